package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
)

const (
	// Size limits
	MaxKeySize    = 255
	MaxValueSize  = 400 // a server link line is 512 bytes including the header fields
	MaxOriginSize = 64
)

// Validator validates DDB records before they reach the log
type Validator struct {
	layout       model.Layout
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator(layout model.Layout) *Validator {
	return &Validator{
		layout:       layout,
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits. Limits that
// are not positive fall back to the defaults.
func NewValidatorWithLimits(layout model.Layout, maxKeySize, maxValueSize int) *Validator {
	if maxKeySize <= 0 {
		maxKeySize = MaxKeySize
	}
	if maxValueSize <= 0 {
		maxValueSize = MaxValueSize
	}
	return &Validator{
		layout:       layout,
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateRecord validates a record received from a peer or written locally
func (v *Validator) ValidateRecord(table model.TableID, entry *model.LogEntry) error {
	if err := v.ValidateTable(table); err != nil {
		return err
	}
	if entry.Serial == 0 {
		return errors.InvalidRecord("serial must be positive", nil)
	}
	if err := v.ValidateOrigin(entry.Origin); err != nil {
		return err
	}
	if entry.IsCheckpoint() {
		// Checkpoint text is free form but still has to fit a line
		return v.ValidateValue(entry.Value)
	}
	if err := v.ValidateKey(entry.Key); err != nil {
		return err
	}
	if !entry.Tombstone {
		return v.ValidateValue(entry.Value)
	}
	return nil
}

// ValidateTable checks the table is part of the layout
func (v *Validator) ValidateTable(table model.TableID) error {
	if _, ok := v.layout.Position(table); !ok {
		return errors.UnknownTable(table.String())
	}
	return nil
}

// ValidateOrigin validates an origin mask token
func (v *Validator) ValidateOrigin(origin string) error {
	if origin == "" {
		return errors.InvalidRecord("origin mask cannot be empty", nil)
	}
	if len(origin) > MaxOriginSize {
		return errors.InvalidRecord(fmt.Sprintf("origin mask exceeds maximum size of %d", MaxOriginSize), nil)
	}
	if strings.IndexFunc(origin, isSeparator) >= 0 {
		return errors.InvalidRecord("origin mask cannot contain whitespace or control characters", nil)
	}
	return nil
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	// Check if empty
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	if key == model.CheckpointKey {
		return errors.InvalidKey(key, "key is reserved for checkpoints")
	}

	// Check size
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}

	// Keys are a single field of the line
	if strings.IndexFunc(key, isSeparator) >= 0 {
		return errors.InvalidKey(key, "key cannot contain whitespace or control characters")
	}

	return nil
}

// ValidateValue validates a value. Values may contain spaces but not line breaks.
func (v *Validator) ValidateValue(value string) error {
	if value == "" {
		return errors.InvalidValue("value cannot be empty, omit it to delete")
	}

	// Check size
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}

	for _, r := range value {
		if r == '\n' || r == '\r' || r == 0 {
			return errors.InvalidValue("value cannot contain line breaks or null bytes")
		}
	}

	return nil
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// SanitizeValue strips characters that would break the line framing and
// truncates the result to the value limit without splitting a UTF-8 sequence
func (v *Validator) SanitizeValue(value string) string {
	sanitized := strings.Map(func(r rune) rune {
		if r == 0 || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, value)

	if len(sanitized) <= v.maxValueSize {
		return sanitized
	}
	cut := v.maxValueSize
	for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
		cut--
	}
	return sanitized[:cut]
}
