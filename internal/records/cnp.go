package records

import (
	"fmt"
	"time"
)

// cnpWeights are the checksum multipliers for the 13-digit national
// identifier.
var cnpWeights = [12]int{2, 7, 9, 1, 4, 6, 3, 5, 8, 2, 7, 9}

// ValidCNP reports whether the identifier is 13 digits with a correct
// checksum.
func ValidCNP(cnp string) bool {
	if len(cnp) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 12; i++ {
		d := cnp[i]
		if d < '0' || d > '9' {
			return false
		}
		sum += int(d-'0') * cnpWeights[i]
	}
	last := cnp[12]
	if last < '0' || last > '9' {
		return false
	}
	control := sum % 11
	if control == 10 {
		control = 1
	}
	return control == int(last-'0')
}

// ParseCNP derives the birth date and sex encoded in a valid identifier.
// The sex digit selects both the century and the sex: odd is male, even is
// female; 1-2 map to the 1900s, 3-4 to the 1800s, 5-6 to the 2000s. The
// resident digits 7-9 carry no century, so the date is resolved to the most
// recent century that does not land in the future.
func ParseCNP(cnp string) (birth time.Time, sex string, err error) {
	if !ValidCNP(cnp) {
		return time.Time{}, "", fmt.Errorf("invalid cnp")
	}

	s := int(cnp[0] - '0')
	year := int(cnp[1]-'0')*10 + int(cnp[2]-'0')
	month := int(cnp[3]-'0')*10 + int(cnp[4]-'0')
	day := int(cnp[5]-'0')*10 + int(cnp[6]-'0')

	switch s {
	case 1, 2:
		year += 1900
	case 3, 4:
		year += 1800
	case 5, 6:
		year += 2000
	default:
		year += 2000
		if candidate := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC); candidate.After(time.Now()) {
			year -= 100
		}
	}

	if s%2 == 1 {
		sex = "M"
	} else {
		sex = "F"
	}

	birth = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if birth.Month() != time.Month(month) || birth.Day() != day || month < 1 || month > 12 {
		return time.Time{}, "", fmt.Errorf("invalid cnp date")
	}
	return birth, sex, nil
}

// AgeFromCNP returns the age in whole years at the reference time.
func AgeFromCNP(cnp string, at time.Time) (int, error) {
	birth, _, err := ParseCNP(cnp)
	if err != nil {
		return 0, err
	}
	age := at.Year() - birth.Year()
	if at.YearDay() < birth.YearDay() {
		age--
	}
	if age < 0 {
		return 0, fmt.Errorf("cnp birth date is in the future")
	}
	return age, nil
}
