package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/csai/vm-range-controller/internal/store"
)

type labCatalogFile struct {
	Labs []labEntry `yaml:"labs"`
}

// labEntry carries the list-typed flag paths the database model stores as
// JSON strings.
type labEntry struct {
	store.Lab     `yaml:",inline"`
	UserFlagPaths []string `yaml:"user_flag_paths"`
	RootFlagPaths []string `yaml:"root_flag_paths"`
}

func newLabsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labs",
		Short: "Manage the lab catalog",
	}
	cmd.AddCommand(newLabsImportCmd())
	cmd.AddCommand(newLabsListCmd())
	return cmd
}

func newLabsImportCmd() *cobra.Command {
	var (
		file     string
		register bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import lab definitions from a YAML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildController(cmd)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read catalog: %w", err)
			}
			var catalog labCatalogFile
			if err := yaml.Unmarshal(b, &catalog); err != nil {
				return fmt.Errorf("parse catalog: %w", err)
			}

			imported := 0
			for _, entry := range catalog.Labs {
				lab := entry.Lab
				if lab.ID == "" || lab.Name == "" || lab.TemplatePath == "" {
					return fmt.Errorf("lab entry missing id, name or template_path")
				}
				lab.UserFlagPaths = store.EncodePaths(entry.UserFlagPaths)
				lab.RootFlagPaths = store.EncodePaths(entry.RootFlagPaths)

				if err := ctl.st.CreateLab(&lab); err != nil {
					ctl.log.Warn("lab_import_skipped", "lab_id", lab.ID, "error", err.Error())
					continue
				}
				if register {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
					templateID, err := ctl.hv.ImportTemplate(ctx, lab.TemplatePath, lab.ID+"-template")
					cancel()
					if err != nil {
						return fmt.Errorf("register template for %s: %w", lab.ID, err)
					}
					if err := ctl.st.SetLabTemplateID(lab.ID, templateID); err != nil {
						return err
					}
				}
				imported++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d labs\n", imported, len(catalog.Labs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "labs.yaml", "catalog file to import")
	cmd.Flags().BoolVar(&register, "register-templates", false, "also import each OVA into the hypervisor")
	return cmd
}

func newLabsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildController(cmd)
			if err != nil {
				return err
			}
			labs, err := ctl.st.ListLabs()
			if err != nil {
				return err
			}
			for _, lab := range labs {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s started=%d solved=%d %s\n",
					lab.ID, lab.Difficulty, lab.TimesStarted, lab.TimesSolved, lab.Name)
			}
			return nil
		},
	}
}
