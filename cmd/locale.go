package cmd

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var (
	localeDir  string
	localeBase string
)

// =============================================================================
// Locale Commands
// =============================================================================

var localeCmd = &cobra.Command{
	Use:   "locale",
	Short: "Inspect tracked locale files",
}

var localeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report message keys missing from locale files",
	Long: `Compare every tracked locale JSON file against a base locale and
report the message keys each one is missing.

Locale files are flat JSON objects named <locale>.json under the
locale directory.

Examples:
  plait locale status
  plait locale status --base en --locales i18n`,
	RunE: runLocaleStatus,
}

func init() {
	rootCmd.AddCommand(localeCmd)
	localeCmd.AddCommand(localeStatusCmd)

	localeStatusCmd.Flags().StringVar(&localeDir, "locales", "locales", "Directory holding locale JSON files")
	localeStatusCmd.Flags().StringVar(&localeBase, "base", "en", "Base locale to compare against")
}

func runLocaleStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	tracked, err := ws.Files().List(ctx)
	if err != nil {
		return err
	}

	// locale -> set of message keys
	keysByLocale := map[string]map[string]bool{}
	prefix := strings.TrimSuffix(localeDir, "/") + "/"

	for _, file := range tracked {
		if !strings.HasPrefix(file.Path, prefix) || path.Ext(file.Path) != ".json" {
			continue
		}
		locale := strings.TrimSuffix(path.Base(file.Path), ".json")

		var messages map[string]json.RawMessage
		if err := json.Unmarshal(file.Data, &messages); err != nil {
			return fmt.Errorf("parse %s: %w", file.Path, err)
		}

		keys := make(map[string]bool, len(messages))
		for key := range messages {
			keys[key] = true
		}
		keysByLocale[locale] = keys
	}

	base, ok := keysByLocale[localeBase]
	if !ok {
		return fmt.Errorf("base locale %s not found under %s", localeBase, localeDir)
	}

	locales := make([]string, 0, len(keysByLocale))
	for locale := range keysByLocale {
		locales = append(locales, locale)
	}
	sort.Strings(locales)

	complete := true
	for _, locale := range locales {
		if locale == localeBase {
			continue
		}

		var missing []string
		for key := range base {
			if !keysByLocale[locale][key] {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)

		if len(missing) == 0 {
			fmt.Printf("%s: complete (%d keys)\n", locale, len(base))
			continue
		}

		complete = false
		fmt.Printf("%s: missing %d of %d keys\n", locale, len(missing), len(base))
		for _, key := range missing {
			fmt.Printf("    %s\n", key)
		}
	}

	if !complete {
		return fmt.Errorf("locales are missing keys")
	}
	return nil
}
