package wasm

// WebAssembly binary format magic number and version.
const (
	// Magic is "\0asm" read as a little-endian uint32.
	Magic uint32 = 0x6D736100

	// Version is the supported binary format version.
	Version uint32 = 0x01
)

// Section IDs.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// Import/export descriptor kinds.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
	KindTag    byte = 4
)

// KindName returns the text-format keyword for an import/export kind.
func KindName(kind byte) string {
	switch kind {
	case KindFunc:
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		return "memory"
	case KindGlobal:
		return "global"
	case KindTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Value type encodings.
const (
	ValI32     ValType = 0x7F
	ValI64     ValType = 0x7E
	ValF32     ValType = 0x7D
	ValF64     ValType = 0x7C
	ValV128    ValType = 0x7B
	ValFuncRef ValType = 0x70
	ValExtern  ValType = 0x6F
)

// FuncTypeByte prefixes a function type in the type section.
const FuncTypeByte byte = 0x60

// Limits flags.
const (
	limitsMin         byte = 0x00
	limitsMinMax      byte = 0x01
	limitsShared      byte = 0x02
	limitsMemory64    byte = 0x04
	limitsFlagsMaxAll byte = 0x07
)

// PageSize is the size of one linear memory page.
const PageSize = 65536

// BlockEmpty is the empty block type.
const BlockEmpty byte = 0x40

// Opcodes emitted by Expr and recognized in constant expressions.
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0B
	OpBr           byte = 0x0C
	OpBrIf         byte = 0x0D
	OpReturn       byte = 0x0F
	OpCall         byte = 0x10
	OpCallIndirect byte = 0x11
	OpDrop         byte = 0x1A
	OpSelect       byte = 0x1B
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpLocalTee     byte = 0x22
	OpGlobalGet    byte = 0x23
	OpGlobalSet    byte = 0x24
	OpI32Load      byte = 0x28
	OpI64Load      byte = 0x29
	OpI32Load8U    byte = 0x2D
	OpI32Store     byte = 0x36
	OpI64Store     byte = 0x37
	OpI32Store8    byte = 0x3A
	OpMemorySize   byte = 0x3F
	OpMemoryGrow   byte = 0x40
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpF32Const     byte = 0x43
	OpF64Const     byte = 0x44
	OpI32Eqz       byte = 0x45
	OpI32Eq        byte = 0x46
	OpI32Ne        byte = 0x47
	OpI32LtU       byte = 0x49
	OpI32GtU       byte = 0x4B
	OpI32LeU       byte = 0x4D
	OpI32GeU       byte = 0x4F
	OpI32Add       byte = 0x6A
	OpI32Sub       byte = 0x6B
	OpI32Mul       byte = 0x6C
	OpI32DivU      byte = 0x6E
	OpI32And       byte = 0x71
	OpI32Or        byte = 0x72
	OpI32Shl       byte = 0x74
	OpI32ShrU      byte = 0x76
	OpI64Add       byte = 0x7C
	OpI64Sub       byte = 0x7D
	OpI64Mul       byte = 0x7E
	OpRefNull      byte = 0xD0
	OpRefFunc      byte = 0xD2
	OpPrefixFC     byte = 0xFC
)

// 0xFC-prefixed sub-opcodes.
const (
	OpMemoryCopy uint32 = 10
	OpMemoryFill uint32 = 11
)
