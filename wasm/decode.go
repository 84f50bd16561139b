package wasm

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-loader/wasm/internal/binary"
)

// Decoding errors.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
	ErrUnsupported    = errors.New("unsupported wasm feature")
)

// Decode parses a WebAssembly binary module and validates its structure:
// section order and framing, index spaces and the start function shape.
// Function bodies are kept as raw bytes; element and data segments are
// skipped after their framing is checked.
func Decode(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastOrder int
	var codeSeen bool

	for r.Len() > 0 {
		id, _ := r.ReadByte()

		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, r.WrapError("section header", fmt.Errorf("unknown section ID 0x%02x", id))
			}
			if order <= lastOrder {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			lastOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		sr, err := r.Sub(int(size))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		var perr error
		var name string
		switch id {
		case SectionCustom:
			name, perr = "custom section", parseCustomSection(sr, m)
		case SectionType:
			name, perr = "type section", parseTypeSection(sr, m)
		case SectionImport:
			name, perr = "import section", parseImportSection(sr, m)
		case SectionFunction:
			name, perr = "function section", parseFunctionSection(sr, m)
		case SectionTable:
			name, perr = "table section", parseTableSection(sr, m)
		case SectionMemory:
			name, perr = "memory section", parseMemorySection(sr, m)
		case SectionGlobal:
			name, perr = "global section", parseGlobalSection(sr, m)
		case SectionExport:
			name, perr = "export section", parseExportSection(sr, m)
		case SectionStart:
			name, perr = "start section", parseStartSection(sr, m)
		case SectionElement:
			name, perr = "element section", skipVec(sr)
		case SectionDataCount:
			name = "data count section"
			_, perr = sr.ReadU32()
		case SectionCode:
			codeSeen = true
			name, perr = "code section", parseCodeSection(sr, m)
		case SectionData:
			name, perr = "data section", skipVec(sr)
		case SectionTag:
			name, perr = "tag section", fmt.Errorf("%w: exception tags", ErrUnsupported)
		}
		if perr == nil && sr.Len() != 0 {
			perr = fmt.Errorf("%d trailing bytes", sr.Len())
		}
		if perr != nil {
			return nil, fmt.Errorf("%s: %w", name, perr)
		}
	}

	if !codeSeen && len(m.Funcs) > 0 {
		return nil, fmt.Errorf("function section declares %d functions but code section is missing", len(m.Funcs))
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// sectionOrder returns the canonical position of a section, or 0 if unknown.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	default:
		return 0
	}
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	rest, err := r.ReadBytes(r.Len())
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: rest})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, min(int(count), r.Len()))
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		if form != FuncTypeByte {
			return fmt.Errorf("%w: type form 0x%02x", ErrUnsupported, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d params: %w", i, err)
		}
		results, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d results: %w", i, err)
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]ValType, n)
	for i := range out {
		out[i], err = readValType(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	switch v := ValType(b); v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: value type 0x%02x", ErrUnsupported, b)
	}
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("import %d module: %w", i, err)
		}
		name, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("import %d name: %w", i, err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		imp := Import{Module: mod, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
		case KindTable:
			var t TableType
			t, err = readTableType(r)
			imp.Desc.Table = &t
		case KindMemory:
			var mt MemoryType
			mt.Limits, err = readLimits(r)
			imp.Desc.Memory = &mt
		case KindGlobal:
			var g GlobalType
			g, err = readGlobalType(r)
			imp.Desc.Global = &g
		default:
			err = fmt.Errorf("%w: import kind 0x%02x", ErrUnsupported, kind)
		}
		if err != nil {
			return fmt.Errorf("import %s.%s: %w", mod, name, err)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return io.ErrUnexpectedEOF
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		t, err := readTableType(r)
		if err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
		m.Tables = append(m.Tables, t)
	}
	return nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	elem, err := r.ReadByte()
	if err != nil {
		return TableType{}, io.ErrUnexpectedEOF
	}
	if ValType(elem) != ValFuncRef && ValType(elem) != ValExtern {
		return TableType{}, fmt.Errorf("%w: table element type 0x%02x", ErrUnsupported, elem)
	}
	lim, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	if lim.Shared || lim.Memory64 {
		return TableType{}, fmt.Errorf("invalid table limits flags")
	}
	return TableType{ElemType: ValType(elem), Limits: lim}, nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return fmt.Errorf("memory %d: %w", i, err)
		}
		m.Memories = append(m.Memories, MemoryType{Limits: lim})
	}
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, io.ErrUnexpectedEOF
	}
	if flags > limitsFlagsMaxAll {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	lim := Limits{
		Shared:   flags&limitsShared != 0,
		Memory64: flags&limitsMemory64 != 0,
	}
	if lim.Memory64 {
		lim.Min, err = r.ReadU64()
	} else {
		var v uint32
		v, err = r.ReadU32()
		lim.Min = uint64(v)
	}
	if err != nil {
		return Limits{}, err
	}
	if flags&limitsMinMax != 0 {
		var max uint64
		if lim.Memory64 {
			max, err = r.ReadU64()
		} else {
			var v uint32
			v, err = r.ReadU32()
			max = uint64(v)
		}
		if err != nil {
			return Limits{}, err
		}
		if max < lim.Min {
			return Limits{}, fmt.Errorf("limits max %d below min %d", max, lim.Min)
		}
		lim.Max = &max
	} else if lim.Shared {
		return Limits{}, fmt.Errorf("shared limits require a maximum")
	}
	return lim, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, io.ErrUnexpectedEOF
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		init, err := readConstExpr(r)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

// readConstExpr returns the raw bytes of a constant expression up to and
// including its end opcode.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	w := binary.NewWriter()
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		w.Byte(op)
		switch op {
		case OpEnd:
			return w.Bytes(), nil
		case OpI32Const:
			v, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			w.WriteS32(v)
		case OpI64Const:
			v, err := r.ReadS64()
			if err != nil {
				return nil, err
			}
			w.WriteS64(v)
		case OpF32Const, OpF64Const:
			n := 4
			if op == OpF64Const {
				n = 8
			}
			b, err := r.ReadBytes(n)
			if err != nil {
				return nil, err
			}
			w.WriteBytes(b)
		case OpGlobalGet, OpRefFunc:
			v, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			w.WriteU32(v)
		case OpRefNull:
			b, err := r.ReadByte()
			if err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			w.Byte(b)
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		default:
			return nil, fmt.Errorf("opcode 0x%02x not allowed in constant expression at %d", op, start)
		}
	}
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("export %d name: %w", i, err)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate export %q", name)
		}
		seen[name] = struct{}{}
		kind, err := r.ReadByte()
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		if kind > KindGlobal {
			return fmt.Errorf("%w: export kind 0x%02x", ErrUnsupported, kind)
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) != len(m.Funcs) {
		return fmt.Errorf("code count %d does not match function count %d", count, len(m.Funcs))
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(size))
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		body, err := readFuncBody(br)
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		m.Code = append(m.Code, body)
	}
	return nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	n, err := r.ReadU32()
	if err != nil {
		return FuncBody{}, err
	}
	var body FuncBody
	var total uint64
	for i := uint32(0); i < n; i++ {
		count, err := r.ReadU32()
		if err != nil {
			return FuncBody{}, err
		}
		total += uint64(count)
		if total > 50000 {
			return FuncBody{}, fmt.Errorf("too many locals")
		}
		vt, err := readValType(r)
		if err != nil {
			return FuncBody{}, err
		}
		body.Locals = append(body.Locals, LocalEntry{Count: count, Type: vt})
	}
	body.Code, err = r.ReadBytes(r.Len())
	if err != nil {
		return FuncBody{}, err
	}
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return FuncBody{}, fmt.Errorf("function body does not end with end opcode")
	}
	return body, nil
}

// skipVec checks that a section starts with a vector count and consumes
// the remainder.
func skipVec(r *binary.Reader) error {
	if _, err := r.ReadU32(); err != nil {
		return err
	}
	return r.Skip(r.Len())
}

func (m *Module) validate() error {
	for i, t := range m.Funcs {
		if int(t) >= len(m.Types) {
			return fmt.Errorf("function %d references invalid type index %d", i, t)
		}
	}
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && int(imp.Desc.TypeIdx) >= len(m.Types) {
			return fmt.Errorf("import %s.%s references invalid type index %d", imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}

	counts := map[byte]int{
		KindFunc:   m.NumImported(KindFunc) + len(m.Funcs),
		KindTable:  m.NumImported(KindTable) + len(m.Tables),
		KindMemory: m.NumImported(KindMemory) + len(m.Memories),
		KindGlobal: m.NumImported(KindGlobal) + len(m.Globals),
	}
	for _, e := range m.Exports {
		if int(e.Idx) >= counts[e.Kind] {
			return fmt.Errorf("export %q references invalid %s index %d", e.Name, KindName(e.Kind), e.Idx)
		}
	}

	if m.Start != nil {
		ft, ok := m.FuncTypeOf(*m.Start)
		if !ok {
			return fmt.Errorf("start function index %d out of range", *m.Start)
		}
		if len(ft.Params) != 0 || len(ft.Results) != 0 {
			return fmt.Errorf("start function must have type () -> (), got %s", ft)
		}
	}
	return nil
}
