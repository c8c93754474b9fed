package validator

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"

	"class-bridge/backend/internal/model"
)

var (
	trans ut.Translator
	once  sync.Once
)

// Setup 在 Gin 的校验引擎上注册中文翻译与自定义规则，可重复调用
//
// 自定义规则：
//   - hhmm: 补零的 24 小时制 HH:MM
func Setup() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*govalidator.Validate)
		if !ok {
			return
		}

		// 错误信息中使用 json 字段名
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = v.RegisterValidation("hhmm", func(fl govalidator.FieldLevel) bool {
			return model.ValidClock(fl.Field().String())
		})

		zhLocale := zh.New()
		uni := ut.New(zhLocale, zhLocale)
		trans, _ = uni.GetTranslator("zh")
		_ = zh_translations.RegisterDefaultTranslations(v, trans)

		_ = v.RegisterTranslation("hhmm", trans,
			func(ut ut.Translator) error {
				return ut.Add("hhmm", "{0}必须是 HH:MM 格式的时间", true)
			},
			func(ut ut.Translator, fe govalidator.FieldError) string {
				msg, _ := ut.T("hhmm", fe.Field())
				return msg
			},
		)
	})
}

// TranslateErrors 把绑定/校验错误转成 字段名 → 中文提示
// 非校验错误（如 JSON 语法错误）放在 detail 键下
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			if trans != nil {
				fields[fe.Field()] = fe.Translate(trans)
			} else {
				fields[fe.Field()] = fe.Error()
			}
		}
		return fields
	}

	fields["detail"] = err.Error()
	return fields
}

// Message 把 TranslateErrors 的结果拼成一行，用于响应 details
func Message(err error) string {
	fields := TranslateErrors(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fields[k])
	}
	return strings.Join(parts, "; ")
}

// BindJSON 绑定并校验请求体，失败时返回可直接展示的错误信息
func BindJSON(c *gin.Context, dst interface{}) (string, bool) {
	if err := c.ShouldBindJSON(dst); err != nil {
		return Message(err), false
	}
	return "", true
}
