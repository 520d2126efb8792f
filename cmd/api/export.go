package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitecontrol/api/internal/control"
	"sitecontrol/api/internal/export"
	"sitecontrol/api/internal/logging"
	"sitecontrol/api/internal/store"
)

func newExportCmd() *cobra.Command {
	var company, project, id, file, format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render a control to PDF or DOCX",
		Long: `Render a control to PDF or DOCX.

The control is read from a JSON file (--file) or looked up by id in the
local cache and the remote store (--company, --project, --id).

Examples:
  api export --file control.json --out rapport.pdf
  api export --company acme --project P1 --id a1 --format docx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = logging.Sync(logger) }()

			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			d, err := buildDeps(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			var c control.Control
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read control: %w", err)
				}
				if err := json.Unmarshal(data, &c); err != nil {
					return fmt.Errorf("decode control: %w", err)
				}
			case company != "" && project != "" && id != "":
				c, err = d.controls.FindControl(cmd.Context(), store.Scope{CompanyID: company, ProjectID: project}, id)
				if err != nil {
					return err
				}
			default:
				return errors.New("either --file or --company, --project and --id are required")
			}

			result, err := d.exporter.Export(cmd.Context(), c, f)
			if err != nil {
				return err
			}
			if out == "" {
				out = result.Filename
			}
			if err := os.WriteFile(out, result.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			for _, u := range result.Unresolved {
				logger.Warn("media not embedded", zap.String("path", u.Path), zap.String("uri", u.URI), zap.String("error", u.Error))
			}
			abs, _ := filepath.Abs(out)
			fmt.Fprintln(cmd.OutOrStdout(), abs)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "control JSON file")
	cmd.Flags().StringVar(&company, "company", "", "company (tenant) id")
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&id, "id", "", "control id")
	cmd.Flags().StringVar(&format, "format", "pdf", "pdf|docx")
	cmd.Flags().StringVar(&out, "out", "", "output path (defaults to the generated file name)")
	return cmd
}
