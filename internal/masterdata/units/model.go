package units

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Conversion states that one FromUnit equals Factor ToUnit. ProductID zero
// marks a conversion valid for every product.
type Conversion struct {
	ProductID int64           `json:"product_id"`
	FromUnit  string          `json:"from_unit"`
	ToUnit    string          `json:"to_unit"`
	Factor    decimal.Decimal `json:"factor"`
}

var (
	// ErrUnitNotConfigured indicates neither the product nor the caller named a unit.
	ErrUnitNotConfigured = errors.New("units: unit of measure not configured")
	// ErrConversion indicates no factor links two units.
	ErrConversion = errors.New("units: no conversion factor")
	// ErrInvalidFactor indicates a non-positive conversion factor.
	ErrInvalidFactor = errors.New("units: conversion factor must be positive")
)

// ConversionError describes a missing conversion.
type ConversionError struct {
	ProductID int64
	From      string
	To        string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("units: no conversion from %s to %s for product %d", e.From, e.To, e.ProductID)
}

// Is lets errors.Is match ErrConversion.
func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}
