package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dynadmin/internal/api"
	"dynadmin/internal/logger"
	"dynadmin/internal/registry"
	"dynadmin/internal/relation"
	"dynadmin/internal/remote"
)

type schemaEntity struct {
	Entity     string            `json:"entity"`
	Model      string            `json:"model"`
	Collection string            `json:"collection"`
	Fields     []api.SchemaField `json:"fields"`
	Populate   []string          `json:"populate,omitempty"`
}

type schemaReport struct {
	Entities []schemaEntity         `json:"entities"`
	Skipped  []string               `json:"skipped,omitempty"`
	Issues   []registry.SchemaIssue `json:"issues,omitempty"`
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Fetch the entity configuration once and print the compiled schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			lc := loggerConfig(cfg)
			lc.Output = "stderr"
			log := logger.New(lc)
			defer func() { _ = log.Sync() }()

			src := remote.NewSource(remote.Options{
				URL:           cfg.Remote.URL,
				MasterKey:     cfg.Remote.MasterKey,
				AccessKey:     cfg.Remote.AccessKey,
				Timeout:       cfg.Remote.Timeout,
				KnownEntities: cfg.Remote.KnownEntities,
			}, log.Named("remote"))
			raw, err := src.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			reg := registry.New(nil, log.Named("registry"))
			if _, err := reg.Reload(cmd.Context(), raw); err != nil {
				return err
			}
			log.Debug("schemas compiled", zap.Strings("entities", reg.Names()))
			return writeSchemaReport(cmd.OutOrStdout(), reg, only)
		},
	}
	cmd.Flags().StringSliceVarP(&only, "entity", "e", nil, "only these entities")
	return cmd
}

func writeSchemaReport(out io.Writer, reg *registry.Registry, only []string) error {
	want := map[string]bool{}
	for _, e := range only {
		want[e] = true
	}
	report := schemaReport{Skipped: reg.Skipped(), Issues: reg.Issues()}
	for _, name := range reg.Names() {
		if len(want) > 0 && !want[name] {
			continue
		}
		m, ok := reg.Get(name)
		if !ok {
			continue
		}
		report.Entities = append(report.Entities, schemaEntity{
			Entity:     name,
			Model:      m.ModelName,
			Collection: m.Collection,
			Fields:     api.Describe(m),
			Populate:   relation.PopulatePaths(reg, m),
		})
	}
	if len(want) > 0 && len(report.Entities) == 0 {
		return fmt.Errorf("no such entity: %v", only)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
