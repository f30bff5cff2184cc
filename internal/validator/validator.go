package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"lnbank/internal/money"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPaymentRequest = errors.New("invalid payment request")
	ErrInvalidAddress        = errors.New("invalid bitcoin address")
)

// bech32 human-readable prefixes of BOLT11 invoices per network.
var payReqPrefixes = map[string][]string{
	chaincfg.MainNetParams.Name:       {"lnbc"},
	chaincfg.TestNet3Params.Name:      {"lntb"},
	chaincfg.SigNetParams.Name:        {"lntbs"},
	chaincfg.RegressionNetParams.Name: {"lnbcrt"},
	chaincfg.SimNetParams.Name:        {"lnsb"},
}

// Validator checks inbound payloads. Struct tags use the stock validator/v10
// rules plus currency, positive, payreq and btcaddr.
type Validator struct {
	v      *validator.Validate
	params *chaincfg.Params
}

func New(params *chaincfg.Params) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	out := &Validator{v: v, params: params}
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return money.Currency(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	_ = v.RegisterValidation("payreq", func(fl validator.FieldLevel) bool {
		return out.PaymentRequest(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("btcaddr", func(fl validator.FieldLevel) bool {
		return out.Address(fl.Field().String()) == nil
	})
	return out
}

// Struct validates s and flattens failures into one readable error.
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// PaymentRequest checks the invoice is a BOLT11 string for this network.
// The node remains the authority on whether it decodes.
func (val *Validator) PaymentRequest(pr string) error {
	pr = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(pr, "lightning:")))
	if len(pr) < 20 {
		return ErrInvalidPaymentRequest
	}
	longest := ""
	for _, prefixes := range payReqPrefixes {
		for _, p := range prefixes {
			if strings.HasPrefix(pr, p) && len(p) > len(longest) {
				longest = p
			}
		}
	}
	if longest == "" {
		return ErrInvalidPaymentRequest
	}
	if val.params != nil {
		for _, p := range payReqPrefixes[val.params.Name] {
			if p == longest {
				return nil
			}
		}
		return fmt.Errorf("%w: wrong network", ErrInvalidPaymentRequest)
	}
	return nil
}

// Address decodes addr and requires it to belong to the configured network.
func (val *Validator) Address(addr string) error {
	params := val.params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	decoded, err := btcutil.DecodeAddress(strings.TrimSpace(addr), params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("%w: wrong network", ErrInvalidAddress)
	}
	return nil
}
