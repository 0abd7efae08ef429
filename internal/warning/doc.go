// Package warning rebuilds warnings captured on workers.
//
// A worker ships each warning as a flat map describing the warning's class,
// its constructor arguments, its rendered text, its category and where it
// was raised. Reconstruct turns that map back into a WarningMessage using a
// Registry of known warning classes. Reconstruction cannot fail: when a class
// is unknown or its constructor rejects the arguments, the result is a
// generic builtins.Warning whose text reads "<module>.<class>: <text>", and
// a ReconstructionNote says why.
package warning
