package results

// Visible combines the teacher's per-match statistics flag with the
// student's personal preference. A pure function of both flags: no third
// flag is stored, so the two sources of truth cannot drift.
//
// The teacher's OFF is absolute; the student flag only opts out of results
// the teacher already shows.
func Visible(teacherShow, studentPref bool) bool {
	return teacherShow && studentPref
}
