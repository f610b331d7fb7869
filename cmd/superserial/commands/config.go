package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/baldanca/superserial/config"
	"github.com/baldanca/superserial/envelope"
	"github.com/baldanca/superserial/location"
)

func newConfigCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(newConfigInitCmd(cfgFile))
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			cfg.Envelope.Key = ""
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "parts",
		Short: "List the configured parts and their backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			return printParts(cmd, cfg.Parts)
		},
	})
	return cmd
}

func newConfigInitCmd(cfgFile *string) *cobra.Command {
	var (
		force     bool
		encrypt   bool
		cipher    string
		keyFile   string
		inlineKey bool
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Long: `Write a sample configuration routing "meta" to SQLite and "text" and
"raw" to local directories under --out.

With --encrypt a fresh key is generated. It is written to --key-file
(default ~/.defaultdatakey.txt) unless --inline-key stores it in the
configuration file itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *cfgFile)
			}

			cfg := config.Default()
			cfg.Parts = map[string]string{
				"meta": "sqlite://" + outDir + "/meta.db",
				"text": outDir + "/text",
				"raw":  outDir + "/raw",
			}

			if encrypt {
				key, err := envelope.GenerateKey(cipher)
				if err != nil {
					return err
				}
				cfg.Envelope.Encrypt = true
				cfg.Envelope.Cipher = cipher
				if inlineKey {
					cfg.Envelope.Key = key
				} else {
					if err := config.WriteKeyFile(keyFile, key); err != nil {
						return err
					}
					cfg.Envelope.KeyFile = keyFile
					fmt.Fprintf(cmd.OutOrStdout(), "Key written to: %s\n", keyFile)
				}
			}

			if err := config.Save(cfg, *cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", *cfgFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "enable payload encryption with a generated key")
	cmd.Flags().StringVar(&cipher, "cipher", envelope.CipherFernet, "cipher for --encrypt (fernet|xchacha20)")
	cmd.Flags().StringVar(&keyFile, "key-file", config.DefaultKeyFile, "where to store the generated key")
	cmd.Flags().BoolVar(&inlineKey, "inline-key", false, "store the generated key in the config file")
	cmd.Flags().StringVar(&outDir, "out", "./superserial-out", "base directory of the sample backends")
	return cmd
}

func printParts(cmd *cobra.Command, parts map[string]string) error {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Part", "Backend", "URI"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, name := range names {
		backend := "invalid"
		if loc, err := location.Resolve(parts[name]); err == nil {
			backend = loc.Kind.String()
			if loc.Driver != "" {
				backend += "/" + loc.Driver
			}
		}
		table.Append([]string{name, backend, redact(parts[name])})
	}
	table.Render()
	return nil
}
