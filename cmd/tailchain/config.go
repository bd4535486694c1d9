package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-mive/tailchain/cmd/utils"
)

// These settings ensure that TOML keys use the same names as Go struct
// fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type tailchainConfig struct {
	Engine utils.Config
}

func loadConfig(file string, cfg *tailchainConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// loadBaseConfig loads tailchainConfig based on the given command line
// parameters and config file: defaults, then file, then flags, in that
// order of increasing precedence.
func loadBaseConfig(ctx *cli.Context) tailchainConfig {
	cfg := tailchainConfig{Engine: utils.DefaultConfig()}

	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			fatalf("%v", err)
		}
	}

	utils.SetConfig(ctx, &cfg.Engine)
	return cfg
}

var configFileFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "TOML configuration file",
}
