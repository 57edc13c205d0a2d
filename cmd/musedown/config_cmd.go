package main

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var secretKeyParts = []string{"token", "secret", "password", "api_key"}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := renderSettings(viper.AllSettings())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func renderSettings(settings map[string]any) ([]byte, error) {
	return yaml.Marshal(redactSettings(settings))
}

// redactSettings copies settings, replacing non-empty values whose key looks
// like a credential.
func redactSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := settings[k]
		switch tv := v.(type) {
		case map[string]any:
			out[k] = redactSettings(tv)
		default:
			if isSecretKey(k) && !isEmptySetting(v) {
				out[k] = "[redacted]"
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isEmptySetting(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(tv) == ""
	}
	return false
}
