package errors

import "errors"

// FieldError 字段级校验错误
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// Error 网关错误，Code/Type/Message 会原样返回给客户端
type Error struct {
	Code     int          `json:"code"`             // 错误码
	Type     string       `json:"type"`             // 错误类型
	Message  string       `json:"message"`          // 错误信息
	Fields   []FieldError `json:"fields,omitempty"` // 字段错误
	HttpCode int          `json:"-"`                // 升级阶段使用的 http 状态码
	Err      error        `json:"-"`                // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Type + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Type + ": " + e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// code 错误码，同时作为默认 http 状态码
// typ 错误类型，如 UNAUTHORIZED
func New(code int, typ, message string) *Error {
	return &Error{
		Code:     code,
		Type:     typ,
		Message:  message,
		HttpCode: code,
	}
}

// Clone 克隆错误（避免修改共享的预定义错误）
func (e *Error) Clone() *Error {
	c := *e
	if e.Fields != nil {
		c.Fields = append([]FieldError(nil), e.Fields...)
	}
	return &c
}

// WithError 添加原始错误（返回新实例）
func (e *Error) WithError(err error) *Error {
	c := e.Clone()
	c.Err = err
	return c
}

// WithMessage 替换错误信息（返回新实例）
func (e *Error) WithMessage(message string) *Error {
	c := e.Clone()
	c.Message = message
	return c
}

// WithFields 附加字段错误（返回新实例）
func (e *Error) WithFields(fields ...FieldError) *Error {
	c := e.Clone()
	c.Fields = append(c.Fields, fields...)
	return c
}

// Is 当 target 也是 *Error 时比较 Type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if ok {
		return e.Type == t.Type
	}
	return errors.Is(e.Err, target)
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误是否为指定类型
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// From 从错误链中提取 *Error
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
