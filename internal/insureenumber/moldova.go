package insureenumber

import "strings"

// Moldovan state identifiers (IDNP, IDNO, IDNV) are 13 digits. The last digit
// is the sum of the first twelve weighted 7, 3, 1 (repeating), modulo 10.

const moldovanIDLength = 13

var moldovanWeights = [3]int{7, 3, 1}

// ValidMoldovanID reports whether idn has the Moldovan identifier shape and
// a correct check digit. It does not check the kind prefix.
func ValidMoldovanID(idn string) bool {
	if len(idn) != moldovanIDLength || strings.TrimSpace(idn) == "" {
		return false
	}
	if digitsOnly(idn) != nil {
		return false
	}
	crc := 0
	for i := 0; i < moldovanIDLength-1; i++ {
		crc += int(idn[i]-'0') * moldovanWeights[i%3]
	}
	return crc%10 == int(idn[moldovanIDLength-1]-'0')
}

// MoldovanResident validates a personal identifier (IDNP). Residents start
// with 2, or with 09 for identifiers issued before 1997.
func MoldovanResident(idnp string, codes Codes) []Error {
	return moldovanID("resident", idnp, codes, func(s string) bool {
		return s[0] == '2' || strings.HasPrefix(s, "09")
	})
}

// MoldovanOrganization validates a legal entity identifier (IDNO).
func MoldovanOrganization(idno string, codes Codes) []Error {
	return moldovanID("organization", idno, codes, func(s string) bool {
		return s[0] == '1'
	})
}

// MoldovanVehicle validates a vehicle identifier (IDNV).
func MoldovanVehicle(idnv string, codes Codes) []Error {
	return moldovanID("vehicle", idnv, codes, func(s string) bool {
		return s[0] == '3'
	})
}

func moldovanID(kind, idn string, codes Codes, prefixOK func(string) bool) []Error {
	if !ValidMoldovanID(idn) {
		return []Error{{Code: codes.Exception, Message: kind + "_national_id_not_valid"}}
	}
	if !prefixOK(idn) {
		return []Error{{Code: codes.InvalidChecksum, Message: kind + "_national_id_checksum_not_valid"}}
	}
	return nil
}
