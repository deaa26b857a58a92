package controllers

import (
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{8,128}$`)
	registerOnce          sync.Once
)

// RegisterValidators adds the custom binding tags to gin's validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("idempotency_key", func(fl validator.FieldLevel) bool {
				return ValidIdempotencyKey(fl.Field().String())
			})
		}
	})
}

// ValidIdempotencyKey accepts 8 to 128 characters of letters, digits and - _ : .
func ValidIdempotencyKey(key string) bool {
	return idempotencyKeyPattern.MatchString(key)
}
