package service

import (
	"strings"

	"github.com/and161185/safedrop/internal/model"
)

const phoneMaskPlaceholder = "****"

// MaskEmail keeps the first local-part character and the domain intact:
// "john.doe@example.com" -> "j***@example.com". A single-character local part
// still degrades to "char + mask". Inputs without "@" are fully masked.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return string([]rune(local)[0]) + "***@" + domain
}

// MaskPhone retains a recognizable "+NNN" country-code prefix (1-3 digits)
// verbatim and masks all digits except the trailing four:
// "+919876543210" -> "+91 ****3210". Without a prefix, all but the trailing
// four digits are masked. Fewer than four digits total masks everything.
func MaskPhone(phone string) string {
	if phone == "" {
		return ""
	}

	digits := make([]rune, 0, len(phone))
	for _, c := range phone {
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 4 {
		return phoneMaskPlaceholder
	}
	last4 := string(digits[len(digits)-4:])

	if strings.HasPrefix(phone, "+") {
		// digits beyond a 10-digit national number form the country code
		ccLen := len(digits) - 10
		if ccLen >= 1 && ccLen <= 3 {
			return "+" + string(digits[:ccLen]) + " " + phoneMaskPlaceholder + last4
		}
	}
	return phoneMaskPlaceholder + last4
}

// MaskPII returns a copy of the PII with contact fields masked. Free-form
// fields are withheld entirely rather than partially shown.
func MaskPII(p model.PII) model.PII {
	masked := model.PII{
		Email: MaskEmail(p.Email),
		Phone: MaskPhone(p.Phone),
	}
	if p.FullName != "" {
		masked.FullName = string([]rune(p.FullName)[0]) + "***"
	}
	if p.Note != "" {
		masked.Note = "[hidden]"
	}
	return masked
}
