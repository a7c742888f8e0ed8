package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// UsernamePattern определяет допустимый формат username
// Только латинские буквы (a-z, A-Z), цифры (0-9), нижнее подчеркивание (_)
// Длина: 3-32 символа
var UsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// BranchPattern определяет допустимые символы имени ветки.
// Сегменты разделяются "/", внутри сегмента буквы, цифры, "_", "-", "."
var BranchPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+(/[a-zA-Z0-9_.\-]+)*$`)

// DeviceIDPattern определяет допустимый формат device id
var DeviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,64}$`)

const (
	// MinUsernameLen минимальная длина username
	MinUsernameLen = 3
	// MaxUsernameLen максимальная длина username
	MaxUsernameLen = 32
	// MaxBranchLen максимальная длина имени ветки
	MaxBranchLen = 128
)

// ValidateUsername проверяет, что username соответствует требованиям
// Формат: только латинские буквы (a-z, A-Z), цифры (0-9), нижнее подчеркивание (_)
// Длина: 3-32 символа
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	if len(username) < MinUsernameLen {
		return fmt.Errorf("username must be at least %d characters long", MinUsernameLen)
	}

	if len(username) > MaxUsernameLen {
		return fmt.Errorf("username must not exceed %d characters", MaxUsernameLen)
	}

	if !UsernamePattern.MatchString(username) {
		return fmt.Errorf("username can only contain letters (a-z, A-Z), numbers (0-9), and underscores (_)")
	}

	return nil
}

// ValidateDeviceID проверяет идентификатор устройства из токена
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device id cannot be empty")
	}

	if !DeviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("device id can only contain letters, numbers, '_', '-' and '.' (max 64)")
	}

	return nil
}

// ValidateBranchName проверяет имя ветки.
// Имя используется как ключ в хранилищах, поэтому пробелы и ":" запрещены.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}

	if len(name) > MaxBranchLen {
		return fmt.Errorf("branch name must not exceed %d characters", MaxBranchLen)
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}

	if !BranchPattern.MatchString(name) {
		return fmt.Errorf("branch name can only contain letters, numbers, '_', '-', '.' and '/' separated segments")
	}

	return nil
}
