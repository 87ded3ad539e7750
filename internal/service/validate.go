package service

import (
	"reflect"
	"strings"

	"parley/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	RegisterJSONNames(v)
	return v
}

// RegisterJSONNames 让校验错误使用 json 字段名，gin 的校验器也复用它。
func RegisterJSONNames(v *validator.Validate) {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate 校验命令结构体，失败时返回带字段详情的 ValidationError。
func Validate(cmd any) error {
	if err := validate.Struct(cmd); err != nil {
		return ValidationError(err)
	}
	return nil
}

// ValidationError 把 validator 或 JSON 解码错误转换为 apperr.Validation。
func ValidationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			name := fe.Field()
			if name == "" {
				name = fe.StructField()
			}
			fields[name] = describe(fe)
		}
		return apperr.Validation(fields)
	}
	return apperr.Validation(map[string]string{"body": "malformed request"}).Wrap(err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
