package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/pay402/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterValidation("evmaddress", func(fl validator.FieldLevel) bool {
		return ValidateAddress(fl.Field().String()) == nil
	})
	validate.RegisterValidation("txhash", func(fl validator.FieldLevel) bool {
		return ValidateTransactionHash(fl.Field().String()) == nil
	})
	validate.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := ValidateAmount(fl.Field().String())
		return err == nil
	})
}

// Validator exposes the shared validator so other packages can reuse the
// custom tags registered here.
func Validator() *validator.Validate {
	return validate
}

// ValidateStruct runs struct-tag validation and converts the first failure
// into a validation X402Error.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewValidationError(types.ErrInvalidPayload, "validation failed: %v", err)
	}

	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return types.NewValidationError(types.ErrMissingField, "missing %s", field)
	case "gt", "gte", "min":
		return types.NewValidationError(types.ErrInvalidAmount, "invalid %s", field)
	case "evmaddress":
		return types.NewValidationError(types.ErrInvalidAddress, "invalid %s: %v", field, fe.Value())
	case "txhash":
		return types.NewValidationError(types.ErrInvalidReference, "invalid %s: %v", field, fe.Value())
	default:
		return types.NewValidationError(types.ErrInvalidPayload, "invalid %s (%s)", field, fe.Tag())
	}
}

// ParseSettleRequest decodes a settlement body and attaches the payment
// reference taken from the request header.
func ParseSettleRequest(paymentHeader string, body []byte) (*types.SettleRequest, error) {
	paymentHeader = strings.TrimSpace(paymentHeader)
	if paymentHeader == "" {
		return nil, types.NewValidationError(types.ErrMissingField, "missing X-PAYMENT header")
	}

	var req types.SettleRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, types.NewValidationError(types.ErrInvalidPayload, "failed to parse request body: %v", err)
		}
	}
	req.TransactionReference = paymentHeader

	if err := ValidateStruct(&req); err != nil {
		return nil, err
	}
	if err := ValidateTransactionHash(req.TransactionReference); err != nil {
		return nil, types.NewValidationError(types.ErrInvalidReference, "%v", err)
	}
	if err := ValidateAddress(req.UserAddress); err != nil {
		return nil, types.NewValidationError(types.ErrInvalidAddress, "%v", err)
	}
	return &req, nil
}

// SerializeSettlementResult converts SettlementResult to JSON
func SerializeSettlementResult(result *types.SettlementResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode settlement result: %w", err)
	}
	return data, nil
}
