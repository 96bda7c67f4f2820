package order

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Request is the submission payload accepted by ingress.
type Request struct {
	TokenIn       string   `json:"tokenIn" validate:"required"`
	TokenOut      string   `json:"tokenOut" validate:"required,nefield=TokenIn"`
	AmountIn      float64  `json:"amountIn" validate:"gt=0"`
	Slippage      *float64 `json:"slippage" validate:"required,gte=0,lte=1"`
	WalletAddress string   `json:"walletAddress" validate:"required,max=64"`
	OrderType     Type     `json:"orderType" validate:"omitempty,oneof=market limit sniper"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names so errors match what the client sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns a *ValidationError for the first failing field.
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: describe(fe)}
	}
	return &ValidationError{Field: "request", Reason: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "nefield":
		return "must differ from tokenIn"
	default:
		return "failed " + fe.Tag()
	}
}

// New validates req and builds a pending order with a fresh identifier.
func New(req Request, now time.Time) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	typ := req.OrderType
	if typ == "" {
		typ = TypeMarket
	}
	return Order{
		ID:            uuid.NewString(),
		WalletAddress: req.WalletAddress,
		TokenIn:       req.TokenIn,
		TokenOut:      req.TokenOut,
		AmountIn:      req.AmountIn,
		Slippage:      *req.Slippage,
		Type:          typ,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
