package types

// Quark identifies one attribute of a state system. Quarks are dense and
// assigned from 0 in creation order; a path keeps its quark forever.
type Quark int32

const (
	// RootQuark names the implicit root of the attribute tree.
	RootQuark Quark = -1

	// InvalidQuark is returned by lookups that do not fail on a missing path.
	InvalidQuark Quark = -2
)

// Valid reports whether q can name a stored attribute.
func (q Quark) Valid() bool {
	return q >= 0
}
