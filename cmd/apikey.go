package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/apikey"
	"github.com/jmehdipour/ingest-gateway/internal/config"
	"github.com/jmehdipour/ingest-gateway/internal/db"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Issue, list and revoke API keys",
}

var (
	keyProject  string
	keyName     string
	keyCaps     string
	keyTTL      time.Duration
	keyAllowIPs []string
	keyRPS      int
	keyID       string
)

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a key for a project and print the token once",
	RunE: func(cmd *cobra.Command, args []string) error {
		caps, err := model.ParseCapabilitySet(keyCaps)
		if err != nil {
			return err
		}
		req := apikey.IssueRequest{
			ProjectID:    keyProject,
			Name:         keyName,
			Capabilities: caps,
			AllowedIPs:   keyAllowIPs,
		}
		if keyTTL > 0 {
			exp := time.Now().Add(keyTTL)
			req.ExpiresAt = &exp
		}
		if keyRPS > 0 {
			req.RateLimitRPS = &keyRPS
		}

		return withIssuer(func(iss *apikey.Issuer) error {
			token, k, err := iss.Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("id:     %s\n", k.ID)
			fmt.Printf("token:  %s\n", token)
			fmt.Println("store the token now, it cannot be shown again")
			return nil
		})
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the keys of a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIssuer(func(iss *apikey.Issuer) error {
			keys, err := iss.List(cmd.Context(), keyProject)
			if err != nil {
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCAPABILITIES\tSTATUS\tLAST USED\tUSES")
			for _, k := range keys {
				lastUsed := "-"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					k.ID, k.Name, k.Capabilities, k.Status(now), lastUsed, k.TotalUses)
			}
			return tw.Flush()
		})
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIssuer(func(iss *apikey.Issuer) error {
			if err := iss.Revoke(cmd.Context(), keyProject, keyID); err != nil {
				return err
			}
			out, _ := json.Marshal(map[string]string{"id": keyID, "status": "revoked"})
			fmt.Println(string(out))
			return nil
		})
	},
}

func init() {
	apikeyCmd.PersistentFlags().StringVar(&keyProject, "project", "", "project id")
	_ = apikeyCmd.MarkPersistentFlagRequired("project")

	apikeyCreateCmd.Flags().StringVar(&keyName, "name", "", "display name")
	apikeyCreateCmd.Flags().StringVar(&keyCaps, "capabilities", "read,write", "comma separated: read,write,admin")
	apikeyCreateCmd.Flags().DurationVar(&keyTTL, "ttl", 0, "expire the key after this duration (0 = never)")
	apikeyCreateCmd.Flags().StringSliceVar(&keyAllowIPs, "allow-ip", nil, "allowed source address or CIDR (repeatable)")
	apikeyCreateCmd.Flags().IntVar(&keyRPS, "rps", 0, "per-key rate limit override")

	apikeyRevokeCmd.Flags().StringVar(&keyID, "id", "", "key id")
	_ = apikeyRevokeCmd.MarkFlagRequired("id")

	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
}

// withIssuer builds an Issuer over MySQL. Redis is optional here; when it
// is reachable, revocations also drop the cached key.
func withIssuer(fn func(*apikey.Issuer) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	dbx, err := connectMySQL(cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()

	var keys repository.APIKeysRepository = repository.NewAPIKeysRepository(dbx)
	if rds, err := db.NewRedisClient(cfg.Redis); err != nil {
		log.Warn("redis unavailable, key cache not invalidated", zap.Error(err))
	} else {
		defer func() { _ = rds.Close() }()
		keys = repository.NewCachedAPIKeysRepository(keys, rds, cfg.APIKey.CacheTTL, log)
	}

	return fn(newIssuer(cfg, keys, repository.NewProjectsRepository(dbx), log))
}

func newIssuer(cfg config.Config, keys apikey.KeyStore, projects apikey.ProjectLookup, log *zap.Logger) *apikey.Issuer {
	return apikey.NewIssuer(keys, projects, apikey.NewHasher(cfg.APIKey.BcryptCost),
		apikey.WithPrefix(strings.TrimSpace(cfg.APIKey.Prefix)), apikey.WithLogger(log))
}
