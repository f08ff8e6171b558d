// Package insureenumber validates insuree numbers (CHF IDs). A Validator runs a
// fixed rule chain (uniqueness, custom validator, length, checksum) and stops at
// the first failing rule.
package insureenumber

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Code identifies the kind of validation failure. The numeric values are part
// of the public API and can be overridden per deployment.
type Code int

const (
	CodeValid           Code = 0
	CodeTaken           Code = 1
	CodeMissing         Code = 2
	CodeInvalidLength   Code = 3
	CodeInvalidChecksum Code = 4
	CodeException       Code = 5
)

// Codes maps each failure kind to the code reported to clients.
type Codes struct {
	Taken           Code `json:"taken"`
	Missing         Code `json:"missing"`
	InvalidLength   Code `json:"invalid_length"`
	InvalidChecksum Code `json:"invalid_checksum"`
	Exception       Code `json:"exception"`
}

func DefaultCodes() Codes {
	return Codes{
		Taken:           CodeTaken,
		Missing:         CodeMissing,
		InvalidLength:   CodeInvalidLength,
		InvalidChecksum: CodeInvalidChecksum,
		Exception:       CodeException,
	}
}

// Error is a single structured validation failure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("insuree number error %d: %s", e.Code, e.Message)
}

// Checksum selects the check-digit algorithm.
type Checksum string

const (
	ChecksumNone   Checksum = "none"
	ChecksumModulo Checksum = "modulo"
	ChecksumLuhn   Checksum = "luhn"
)

// Func is a fully custom validator. When configured it replaces the length
// and checksum rules; its result is returned as is.
type Func func(number string, codes Codes) []Error

// Registry reports whether a number already belongs to a live insuree.
type Registry interface {
	NumberTaken(ctx context.Context, number string) (bool, error)
}

// RegistryFunc adapts a function to the Registry interface.
type RegistryFunc func(ctx context.Context, number string) (bool, error)

func (f RegistryFunc) NumberTaken(ctx context.Context, number string) (bool, error) {
	return f(ctx, number)
}

// Config holds the validation rules. Zero values disable a rule: with an
// empty Config every number, including the empty one, is valid.
type Config struct {
	Length     int      `json:"length"`
	ModuloRoot int      `json:"modulo_root"`
	Checksum   Checksum `json:"checksum"`
	Validator  string   `json:"validator"`
	Codes      Codes    `json:"codes"`
}

// resolvedChecksum returns the algorithm in effect. When Checksum is unset a
// modulo root of 10 means Luhn and any other positive root means modulo-N.
func (c Config) resolvedChecksum() Checksum {
	if c.Checksum != "" {
		return c.Checksum
	}
	switch {
	case c.ModuloRoot == 10:
		return ChecksumLuhn
	case c.ModuloRoot > 0:
		return ChecksumModulo
	}
	return ChecksumNone
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Length < 0 {
		return fmt.Errorf("insuree number length must not be negative, got %d", c.Length)
	}
	if c.ModuloRoot < 0 {
		return fmt.Errorf("insuree number modulo root must not be negative, got %d", c.ModuloRoot)
	}
	switch c.resolvedChecksum() {
	case ChecksumNone, ChecksumLuhn:
	case ChecksumModulo:
		if c.ModuloRoot < 2 {
			return fmt.Errorf("modulo checksum requires a modulo root of at least 2, got %d", c.ModuloRoot)
		}
	default:
		return fmt.Errorf("unknown insuree number checksum %q", c.Checksum)
	}
	if c.Validator != "" {
		if _, ok := Lookup(c.Validator); !ok {
			return fmt.Errorf("unknown insuree number validator %q, registered: %s", c.Validator, strings.Join(Names(), ", "))
		}
	}
	return nil
}

// Option customises a Validator.
type Option func(*Validator)

// WithFunc installs a custom validator, overriding Config.Validator.
func WithFunc(fn Func) Option {
	return func(v *Validator) { v.custom = fn }
}

// WithObserver registers a callback invoked once per validation with the
// resulting code (CodeValid on success).
func WithObserver(fn func(Code)) Option {
	return func(v *Validator) { v.observe = fn }
}

type Validator struct {
	cfg      Config
	checksum Checksum
	custom   Func
	registry Registry
	observe  func(Code)
}

// New builds a Validator. registry may be nil, in which case uniqueness is
// never checked.
func New(cfg Config, registry Registry, opts ...Option) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Codes == (Codes{}) {
		cfg.Codes = DefaultCodes()
	}
	v := &Validator{
		cfg:      cfg,
		checksum: cfg.resolvedChecksum(),
		registry: registry,
	}
	if cfg.Validator != "" {
		v.custom, _ = Lookup(cfg.Validator)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Validator) Config() Config {
	return v.cfg
}

// Validate runs the rule chain against number. isNew enables the uniqueness
// rule. An empty result means the number is valid; otherwise it holds the
// single error of the first failing rule (or whatever a custom validator
// returned).
func (v *Validator) Validate(ctx context.Context, number string, isNew bool) []Error {
	errs := v.validate(ctx, number, isNew)
	if v.observe != nil {
		code := CodeValid
		if len(errs) > 0 {
			code = errs[0].Code
		}
		v.observe(code)
	}
	return errs
}

// TakenError is the error reported for a number that already belongs to a
// live insuree.
func (v *Validator) TakenError() Error {
	return Error{Code: v.cfg.Codes.Taken, Message: "insuree number has already been taken"}
}

// Valid reports whether number passes every rule except uniqueness.
func (v *Validator) Valid(ctx context.Context, number string) bool {
	return len(v.Validate(ctx, number, false)) == 0
}

func (v *Validator) validate(ctx context.Context, number string, isNew bool) []Error {
	codes := v.cfg.Codes

	if isNew && v.registry != nil {
		taken, err := v.registry.NumberTaken(ctx, number)
		if err != nil {
			return []Error{{Code: codes.Exception, Message: fmt.Sprintf("unable to check insuree number uniqueness: %v", err)}}
		}
		if taken {
			return []Error{v.TakenError()}
		}
	}

	if v.custom != nil {
		errs := v.custom(number, codes)
		if errs == nil {
			return []Error{}
		}
		return errs
	}

	if v.cfg.Length > 0 {
		if number == "" {
			return []Error{{Code: codes.Missing, Message: fmt.Sprintf("invalid insuree number (empty), should be %d", v.cfg.Length)}}
		}
		if n := utf8.RuneCountInString(number); n != v.cfg.Length {
			return []Error{{Code: codes.InvalidLength, Message: fmt.Sprintf("invalid insuree number length %d, should be %d", n, v.cfg.Length)}}
		}
	}

	switch v.checksum {
	case ChecksumModulo:
		ok, err := Modulo(number, v.cfg.ModuloRoot)
		if err != nil {
			return []Error{{Code: codes.Exception, Message: fmt.Sprintf("unexpected error while validating insuree number: %v", err)}}
		}
		if !ok {
			return []Error{{Code: codes.InvalidChecksum, Message: "invalid checksum"}}
		}
	case ChecksumLuhn:
		ok, err := Luhn(number)
		if err != nil {
			return []Error{{Code: codes.Exception, Message: fmt.Sprintf("unexpected error while validating insuree number: %v", err)}}
		}
		if !ok {
			return []Error{{Code: codes.InvalidChecksum, Message: "invalid checksum"}}
		}
	}

	return []Error{}
}
