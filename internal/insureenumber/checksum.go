package insureenumber

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyNumber    = errors.New("empty insuree number")
	ErrNotNumeric     = errors.New("insuree number is not numeric")
	ErrNumberTooShort = errors.New("insuree number too short for a check digit")
)

// Modulo reports whether the last digit of number equals the remainder of the
// preceding digits divided by root. The base may have any number of digits.
func Modulo(number string, root int) (bool, error) {
	if root < 2 {
		return false, fmt.Errorf("invalid modulo root %d", root)
	}
	if number == "" {
		return false, ErrEmptyNumber
	}
	if len(number) < 2 {
		return false, ErrNumberTooShort
	}
	if err := digitsOnly(number); err != nil {
		return false, err
	}

	base := number[:len(number)-1]
	check := int(number[len(number)-1] - '0')

	rem := 0
	for i := 0; i < len(base); i++ {
		rem = (rem*10 + int(base[i]-'0')) % root
	}
	return rem == check, nil
}

// Luhn reports whether number carries a valid Luhn (modulo-10) check digit.
func Luhn(number string) (bool, error) {
	if number == "" {
		return false, ErrEmptyNumber
	}
	if len(number) < 2 {
		return false, ErrNumberTooShort
	}
	if err := digitsOnly(number); err != nil {
		return false, err
	}
	check, err := luhnCheckDigit(number[:len(number)-1])
	if err != nil {
		return false, err
	}
	return check == number[len(number)-1], nil
}

// luhnCheckDigit returns the digit that completes base into a Luhn-valid number.
func luhnCheckDigit(base string) (byte, error) {
	if base == "" {
		return 0, ErrEmptyNumber
	}
	if err := digitsOnly(base); err != nil {
		return 0, err
	}

	sum := 0
	double := true
	for i := len(base) - 1; i >= 0; i-- {
		d := int(base[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte('0' + (10-sum%10)%10), nil
}

func digitsOnly(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return fmt.Errorf("%w: unexpected %q at position %d", ErrNotNumeric, s[i], i)
		}
	}
	return nil
}
