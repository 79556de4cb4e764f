package visit

// Mode is a front-desk tab. Each mode has its own live index; switching modes
// swaps which index the live view mirrors.
type Mode string

const (
	ModeOPD      Mode = "opd"
	ModeAdmitted Mode = "admitted"
)

// Valid reports whether m names a known tab.
func (m Mode) Valid() bool {
	return m == ModeOPD || m == ModeAdmitted
}

// LivePath returns the live index path for the mode.
func (m Mode) LivePath() string {
	if m == ModeAdmitted {
		return LiveAdmittedPath
	}
	return LiveOPDPath
}
