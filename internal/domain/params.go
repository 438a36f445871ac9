package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidParameters = errors.New("invalid session parameters")

// LoanType is the product the agent is calling about.
type LoanType string

const (
	LoanHome      LoanType = "home"
	LoanPersonal  LoanType = "personal"
	LoanAuto      LoanType = "auto"
	LoanBusiness  LoanType = "business"
	LoanEducation LoanType = "education"
)

// SessionParameters is the fixed set of fields the agent is briefed with
// before a call. It is passed by value and never mutated after StartCall.
type SessionParameters struct {
	BotName      string   `json:"bot_name" binding:"required,max=64" validate:"required,max=64"`
	BankName     string   `json:"bank_name" binding:"required,max=64" validate:"required,max=64"`
	CustomerName string   `json:"customer_name" binding:"required,max=64" validate:"required,max=64"`
	Reason       string   `json:"reason" binding:"required,max=256" validate:"required,max=256"`
	LoanType     LoanType `json:"loan_type" binding:"required,oneof=home personal auto business education" validate:"required,oneof=home personal auto business education"`

	AmountDisbursed        int64 `json:"amount_disbursed" binding:"gte=0" validate:"gte=0"`
	PrincipalOutstanding   int64 `json:"principal_outstanding" binding:"gte=0" validate:"gte=0"`
	OverduePrincipalAmount int64 `json:"over_due_principal_amount" binding:"gte=0" validate:"gte=0"`
	OverdueInterestAmount  int64 `json:"over_due_interest_amount" binding:"gte=0" validate:"gte=0"`
	OverdueTotalAmount     int64 `json:"over_due_total_amount" binding:"gte=0" validate:"gte=0"`
	OverdueDays            int   `json:"over_due_days" binding:"gte=0" validate:"gte=0"`
}

// DefaultSessionParameters mirrors the prefilled call form.
func DefaultSessionParameters() SessionParameters {
	return SessionParameters{
		BotName:                "Maya",
		BankName:               "ICICI Bank",
		CustomerName:           "Manish",
		Reason:                 "your last 3 repayments have been missed",
		LoanType:               LoanHome,
		AmountDisbursed:        5000000,
		PrincipalOutstanding:   3500000,
		OverduePrincipalAmount: 3500000,
		OverdueInterestAmount:  500000,
		OverdueTotalAmount:     4000000,
		OverdueDays:            94,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every failing field, wrapped in ErrInvalidParameters.
func (p SessionParameters) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(fields, ", "))
}

// Field is one flattened key/value of SessionParameters.
type Field struct {
	Key   string
	Value string
}

// QueryFields flattens the parameters into string values, in form order,
// using the same keys as the JSON encoding.
func (p SessionParameters) QueryFields() []Field {
	return []Field{
		{"bot_name", p.BotName},
		{"bank_name", p.BankName},
		{"customer_name", p.CustomerName},
		{"reason", p.Reason},
		{"loan_type", string(p.LoanType)},
		{"amount_disbursed", strconv.FormatInt(p.AmountDisbursed, 10)},
		{"principal_outstanding", strconv.FormatInt(p.PrincipalOutstanding, 10)},
		{"over_due_principal_amount", strconv.FormatInt(p.OverduePrincipalAmount, 10)},
		{"over_due_interest_amount", strconv.FormatInt(p.OverdueInterestAmount, 10)},
		{"over_due_total_amount", strconv.FormatInt(p.OverdueTotalAmount, 10)},
		{"over_due_days", strconv.Itoa(p.OverdueDays)},
	}
}
