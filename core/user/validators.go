package user

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/vaultgrade/backend/core"
)

var (
	// password policy
	pwdMinLen     = 12
	pwdMinLenTag  = "pwdminlen"
	pwdMinLenText = fmt.Sprintf("password must contain at least %d characters", pwdMinLen)

	// bcrypt only hashes the first 72 bytes and refuses longer input
	pwdMaxBytes     = 72
	pwdMaxBytesTag  = "pwdmaxlen"
	pwdMaxBytesText = fmt.Sprintf("password must not exceed %d bytes", pwdMaxBytes)

	pwdNoSpaceTag  = "pwdnospace"
	pwdNoSpaceText = "password must not contain whitespace"

	pwdComplexityTag  = "pwdcplx"
	pwdComplexityText = "password must contain at least 1 uppercase character, 1 lowercase character, 1 digit and 1 special character"
	specialRegex      = regexp.MustCompile("[^A-Za-z0-9]")

	pwdMaxSim      = .7
	pwdAttrSimTag  = "pwdtoosim"
	pwdAttrSimText = "password cannot be similar to user attributes"

	passwordTags = map[string]bool{pwdMinLenTag: true, pwdMaxBytesTag: true, pwdNoSpaceTag: true, pwdComplexityTag: true, pwdAttrSimTag: true}

	errWeakPassword = errors.New("password does not meet the password policy")
)

// InitValidators registers the password policy on validate. core.InitValidators must run first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	validate.RegisterStructValidation(userStructValidation, NewUser{}, RotatePassword{})
	core.RegisterCustomTranslation(validate, translator, pwdMinLenTag, pwdMinLenText)
	core.RegisterCustomTranslation(validate, translator, pwdMaxBytesTag, pwdMaxBytesText)
	core.RegisterCustomTranslation(validate, translator, pwdNoSpaceTag, pwdNoSpaceText)
	core.RegisterCustomTranslation(validate, translator, pwdComplexityTag, pwdComplexityText)
	core.RegisterCustomTranslation(validate, translator, pwdAttrSimTag, pwdAttrSimText)
}

// checkValidation translates validation errors; password policy failures carry core.CodeWeakPassword.
func checkValidation(err error, translator ut.Translator) error {
	var vErrs validator.ValidationErrors
	if err == nil || !errors.As(err, &vErrs) {
		return err
	}
	for _, fe := range vErrs {
		if passwordTags[fe.Tag()] {
			return core.NewCodedValidationError(core.CodeWeakPassword, errWeakPassword, core.TranslateFieldErrors(vErrs, translator)...)
		}
	}
	return core.CheckValidation(err, translator)
}

// userStructValidation does struct level validation on NewUser and RotatePassword structs.
func userStructValidation(sl validator.StructLevel) {
	switch usr := sl.Current().Interface().(type) {
	case NewUser:
		if usr.Password != "" {
			validatePassword(usr.Password, usr.Name, usr.Username, usr.Email, sl)
		}
	case RotatePassword:
		if usr.Password != "" {
			validatePassword(usr.Password, usr.name, usr.username, usr.email, sl)
		}
	}
}

// validatePassword applies the password policy to provided password:
// - minLen: 12
// - maxLen: 72 bytes
// - no whitespace
// - complexity: 1 upper, 1 lower, 1 digit, 1 special
// - no user attrs similarity
func validatePassword(pwd, name, uname, email string, sl validator.StructLevel) {
	reportErr := func(tag string) {
		sl.ReportError(pwd, "password", "Password", tag, "")
	}

	var hasUpper, hasLower, hasDig bool

	// - minLen: 12
	chars := []rune(pwd)
	if len(chars) < pwdMinLen {
		reportErr(pwdMinLenTag)
		return
	}
	if len(pwd) > pwdMaxBytes {
		reportErr(pwdMaxBytesTag)
		return
	}
	for _, char := range chars {
		// - no whitespace
		if unicode.IsSpace(char) {
			reportErr(pwdNoSpaceTag)
			return
		}
		if !hasDig && unicode.IsDigit(char) {
			hasDig = true
		}
		if !hasUpper && unicode.IsUpper(char) {
			hasUpper = true
		}
		if !hasLower && unicode.IsLower(char) {
			hasLower = true
		}
	}

	// - complexity: 1 upper, 1 lower, 1 digit & 1 special
	if !(hasUpper && hasLower && hasDig && specialRegex.MatchString(pwd)) {
		reportErr(pwdComplexityTag)
		return
	}

	// - no user attrs similarity
	getRatio := func(pass, usrAttr string) float64 {
		if usrAttr == "" {
			return 0
		}
		return difflib.NewMatcher(strings.Split(strings.ToLower(pass), ""), strings.Split(strings.ToLower(usrAttr), "")).QuickRatio()
	}
	if getRatio(pwd, name) >= pwdMaxSim ||
		getRatio(pwd, uname) >= pwdMaxSim ||
		getRatio(pwd, email) >= pwdMaxSim {
		reportErr(pwdAttrSimTag)
	}
}
