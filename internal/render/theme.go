package render

// Theme holds colors for graph rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	EdgeCall string // direct calls
	EdgeRef  string // label references that are not calls
	Entry    string // border of entry functions

	AbsorbedFill string // functions emitted as a part of another
	PLTText      string // PLT stubs and other external targets

	ClusterBorder string
	ClusterLabel  string
}

// Mono is a sparse, mostly monochrome theme.
var Mono = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeCall: "#424242",
	EdgeRef:  "#9E9E9E",
	Entry:    "#0B3D91",

	AbsorbedFill: "#ECEFF1",
	PLTText:      "#9E9E9E",

	ClusterBorder: "#BDBDBD",
	ClusterLabel:  "#757575",
}
