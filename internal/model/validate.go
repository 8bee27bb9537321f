package model

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	ResultSuffix = ".result"
	ErrorSuffix  = ".error"
)

var validate = validator.New()

// ValidateTask checks that a task can be persisted under its id
func ValidateTask(task *Task) error {
	if task == nil || task.ID == "" {
		return ErrMissingTaskID
	}
	if err := validateStruct(task); err != nil {
		return err
	}
	if err := ValidateTaskID(task.ID); err != nil {
		return err
	}
	if task.ParentID != "" && path.Dir(task.ID) != task.ParentID {
		return fmt.Errorf("%w: %s is not a direct child of %s", ErrInvalidTaskID, task.ID, task.ParentID)
	}
	return nil
}

// ValidateTaskID checks every segment of a slash separated task id
func ValidateTaskID(id string) error {
	if id == "" {
		return ErrMissingTaskID
	}
	for _, seg := range strings.Split(id, IDSeparator) {
		switch {
		case seg == "", seg == ".", seg == "..":
			return fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidTaskID, id)
		case strings.ContainsAny(seg, "\\\x00"):
			return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidTaskID, id)
		case strings.HasSuffix(seg, ResultSuffix), strings.HasSuffix(seg, ErrorSuffix):
			return fmt.Errorf("%w: %q collides with an artifact suffix", ErrInvalidTaskID, id)
		}
	}
	return nil
}

// ValidateToolMetadata checks required descriptor fields
func ValidateToolMetadata(meta *ToolMetadata) error {
	return validateStruct(meta)
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	var messages []string
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("field '%s' failed rule '%s'", e.StructNamespace(), e.Tag()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
}
