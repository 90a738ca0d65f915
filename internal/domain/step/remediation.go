package step

// Remediation is a known corrective step for a FailureKind. Cause narrows
// the match to one named condition; an empty Cause matches any failure of
// the kind.
type Remediation struct {
	Kind  FailureKind
	Cause string
	Step  ID
}

// Matches reports whether the remediation applies to f.
func (r Remediation) Matches(f *Failure) bool {
	if f == nil || r.Kind != f.Kind {
		return false
	}
	return r.Cause == "" || r.Cause == f.Cause
}

// Key identifies one remediation use for cycle prevention.
func (r Remediation) Key(failed ID) string {
	return failed.String() + "|" + string(r.Kind) + "|" + r.Cause
}

// FindRemediation returns the first remediation matching f.
// Cause-specific entries are preferred over kind-wide ones.
func FindRemediation(rs []Remediation, f *Failure) (Remediation, bool) {
	var fallback *Remediation
	for i := range rs {
		if !rs[i].Matches(f) {
			continue
		}
		if rs[i].Cause != "" {
			return rs[i], true
		}
		if fallback == nil {
			fallback = &rs[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Remediation{}, false
}
