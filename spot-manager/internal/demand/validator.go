package demand

import "github.com/go-playground/validator/v10"

type ValidatorInterface interface {
	ValidateDemandPayload(p *DemandPayload) error
}

type Validator struct {
	validate *validator.Validate
}

// instantiate validator
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(),
	}
}

// validate against struct
func (v *Validator) ValidateDemandPayload(p *DemandPayload) error {
	return v.validate.Struct(p)
}
