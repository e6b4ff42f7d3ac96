package ws

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/multpex/linkd/pkg/errors"
)

// Schema 载荷校验
//
// Validate 返回规范化后的载荷；存在字段错误时载荷被忽略。
type Schema interface {
	Validate(data json.RawMessage) (json.RawMessage, []errors.FieldError)
}

// SchemaFunc 函数适配器
type SchemaFunc func(data json.RawMessage) (json.RawMessage, []errors.FieldError)

// Validate 实现 Schema
func (f SchemaFunc) Validate(data json.RawMessage) (json.RawMessage, []errors.FieldError) {
	return f(data)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func defaultValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// 字段名使用 json tag
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// StructSchema 基于结构体 validate tag 的校验，T 必须是结构体
//
// 校验通过后以 T 重新编码，未声明的字段被丢弃。
type StructSchema[T any] struct {
	v *validator.Validate
}

// NewStructSchema 创建结构体校验
func NewStructSchema[T any]() *StructSchema[T] {
	return &StructSchema[T]{v: defaultValidator()}
}

// Validate 实现 Schema
func (s *StructSchema[T]) Validate(data json.RawMessage) (json.RawMessage, []errors.FieldError) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, []errors.FieldError{decodeFieldError(err)}
		}
	}

	if err := s.v.Struct(&v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, []errors.FieldError{{Rule: "struct", Message: err.Error()}}
		}
		fields := make([]errors.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, errors.FieldError{
				Field:   fieldPath(fe),
				Rule:    fe.Tag(),
				Message: fieldMessage(fe),
			})
		}
		return nil, fields
	}

	normalized, err := json.Marshal(&v)
	if err != nil {
		return nil, []errors.FieldError{{Rule: "encode", Message: "payload cannot be normalized"}}
	}
	return normalized, nil
}

// fieldPath 去掉根结构体名，如 "joinRequest.room" -> "room"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "email":
		return "must be a valid email"
	default:
		if fe.Param() != "" {
			return "must satisfy " + fe.Tag() + "=" + fe.Param()
		}
		return "must satisfy " + fe.Tag()
	}
}

func decodeFieldError(err error) errors.FieldError {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return errors.FieldError{
			Field:   te.Field,
			Rule:    "type",
			Message: "must be " + te.Type.String(),
		}
	}
	return errors.FieldError{Rule: "json", Message: "payload is not valid for this message type"}
}
