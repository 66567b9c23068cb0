package cmd

import (
	"encoding/json"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zjrosen/scopekit/internal/registry"
	"github.com/zjrosen/scopekit/internal/scope"
)

var keysType string

// keyListing is the JSON shape emitted for each registered key.
type keyListing struct {
	Key  string `json:"key"`
	Type string `json:"type"`
	Tag  string `json:"tag,omitempty"`
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the registered keys of a seeded demo registry",
	Long: `List the keys a demo scope leaves behind in its registry as JSON.

Runs a small scope body that registers a mix of instances, lazy factories,
and a permanent entry, then dumps the surviving keys. The scope is begun but
not ended, so everything it registered is still present.
Use --type to filter keys by their type identifier.

Examples:
  # List all keys
  scopekit keys

  # Filter by type identifier
  scopekit keys --type Cache
  scopekit keys -t Cache

  # Parse specific fields with jq
  scopekit keys | jq '.[].key'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := seedDemoRegistry()
		if err != nil {
			return err
		}

		keys := reg.Keys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

		listings := make([]keyListing, 0, len(keys))
		for _, k := range keys {
			if cmd.Flags().Changed("type") && string(k.Type) != keysType {
				continue
			}
			listings = append(listings, keyListing{
				Key:  k.String(),
				Type: string(k.Type),
				Tag:  k.Tag,
			})
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	},
}

func init() {
	keysCmd.Flags().StringVarP(&keysType, "type", "t", "", "Filter by type identifier (e.g., Cache)")
	rootCmd.AddCommand(keysCmd)
}

// seedDemoRegistry registers a representative set of keys through a scope
// body and returns the registry with the scope still open.
func seedDemoRegistry() (registry.Registry, error) {
	reg := registry.NewInMemoryRegistry()
	d := scope.NewDriver(reg, cfg.Scope.Runtime())

	rec := d.BeginScope()
	err := d.RunBody(rec, func(b *scope.Binder) error {
		if _, err := b.Put(registry.NewKey("Database"), "pg-conn", false); err != nil {
			return err
		}
		if _, err := b.Put(registry.NewKey("Logger"), "stderr", true); err != nil {
			return err
		}
		if err := b.LazyPut(registry.TaggedKey("Cache", "sessions"),
			func() (any, error) { return "lru", nil }, true); err != nil {
			return err
		}
		return b.LazyPut(registry.TaggedKey("Cache", "tokens"),
			func() (any, error) { return "arc", nil }, false)
	})
	return reg, err
}
