// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/MatthiasValvekens/usbip-vhci/manager"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	backendSysfs = "sysfs"
	backendUdev  = "udev"

	envPrefix = "USBIP_VHCI"
)

func addGlobalFlags(flags *flag.FlagSet) {
	flags.String("config", "", "Path to the config file.")
	flags.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flags.String("log-format", logFormatLogfmt, "Log format to use. Possible values: logfmt, json")
	flags.String("backend", backendSysfs, "How to reach the VHCI driver. Possible values: sysfs, udev")
	flags.String("sysfs-root", driver.Sys, "Mount point of sysfs, used by the sysfs backend.")
	flags.StringP("output", "o", outputTable, "Output format. Possible values: table, json, yaml")
}

// initConfig binds flags, config file, and envs
func initConfig(v *viper.Viper, flags *flag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/usbip-vhci/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

var usbIDType = reflect.TypeOf(driver.USBID(0))

// usbIDHook accepts vendor and product ids written as hex strings, with or
// without 0x prefix, the way lsusb prints them. Unquoted ids reach the hook as
// numbers already parsed as decimal or octal, so they are refused.
func usbIDHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != usbIDType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil, fmt.Errorf("USB id %v must be quoted, e.g. \"1050\"", data)
	default:
		return data, nil
	}
	s := strings.TrimPrefix(strings.ToLower(data.(string)), "0x")
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid USB id %q", data)
	}
	return driver.USBID(id), nil
}

func getConfiguredImports(v *viper.Viper) ([]*manager.KnownDevice, error) {
	raw := v.Get("imports")
	if raw == nil {
		return nil, nil
	}
	defs, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode imports: unexpected type: %T", raw)
	}

	result := make([]*manager.KnownDevice, len(defs))
	for i, def := range defs {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.DecodeHookFuncType(usbIDHook),
			Result:     &result[i],
			TagName:    "json",
		})
		if err != nil {
			return nil, err
		}

		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode device data %q: %w", def, err)
		}
		if err := validateImport(result[i]); err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
	}
	return result, nil
}

func validateImport(kd *manager.KnownDevice) error {
	if kd == nil {
		return fmt.Errorf("empty import")
	}
	if err := validateHost(kd.Target.Host); err != nil {
		return err
	}
	if kd.Target.Port != 0 {
		if errs := validation.IsValidPortNum(kd.Target.Port); len(errs) > 0 {
			return fmt.Errorf("invalid port %d: %s", kd.Target.Port, strings.Join(errs, ", "))
		}
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("target host must be set")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if errs := validation.IsDNS1123Subdomain(host); len(errs) > 0 {
		return fmt.Errorf("failed to parse host %q: %s", host, strings.Join(errs, ", "))
	}
	return nil
}
