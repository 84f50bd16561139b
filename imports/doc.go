// Package imports builds the table of host-provided imports a module is
// instantiated against.
//
// A Table maps (namespace, name) to a host function, a memory, a funcref
// table or a global. It is assembled once with a Builder and never changes
// afterwards:
//
//	table, err := imports.NewBuilder().
//		GoFunc("env", "log", func(ctx context.Context, v uint32) { ... }).
//		Memory("env", "memory", 17, nil).
//		Build()
//
// Check compares a table with a decoded module's import section and
// reports every problem at once. Instantiate registers the table in a
// wazero runtime; memories, tables and globals are created fresh on every
// call.
package imports
