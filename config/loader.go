package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/omeid/uconfig/flat"
)

const (
	TagEnv  = "env"
	TagFlag = "flag"
	TagDesc = "desc"
)

var (
	ErrFlagParse        = errors.New("config: cannot parse flag")
	ErrConfigInvalid    = errors.New("config: invalid config struct")
	ErrConfigValidation = errors.New("config: validation error")
)

type defaulter interface {
	SetDefaults()
}

// LoadConfig fills cfg from a .env file if present, then the environment,
// then command-line flags (highest precedence), applies the struct's
// defaults, and validates the result.
func LoadConfig(cfg interface{}, osArgs *[]string) error {
	// a missing .env file is not an error
	_ = godotenv.Load()

	// recursively iterates over each field of the nested struct
	fields, err := flat.View(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	flagset := flag.NewFlagSet("", flag.ContinueOnError)

	for _, field := range fields {
		envName, ok := field.Tag(TagEnv)
		if !ok {
			continue
		}

		envValue := os.Getenv(envName)
		_ = field.Set(envValue)

		flagName, ok := field.Tag(TagFlag)
		if !ok {
			continue
		}

		flagDesc, _ := field.Tag(TagDesc)

		// writes flag value to variable
		flagset.Var(field, flagName, flagDesc)
	}

	var args []string
	if osArgs != nil {
		args = *osArgs
	} else {
		args = os.Args
	}

	// flags override .env variables
	err = flagset.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFlagParse, err)
	}

	if d, ok := cfg.(defaulter); ok {
		d.SetDefaults()
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}

	return nil
}
