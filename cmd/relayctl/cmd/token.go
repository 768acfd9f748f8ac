package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/tonerelay/internal/auth"
)

var (
	tokSecret   string
	tokSubject  string
	tokIssuer   string
	tokAudience string
	tokTTL      time.Duration
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HS256 token for the tonerelayd API",
	Long: `Mint a bearer token signed with the daemon's JWT_SECRET.

The secret is read from --secret or the JWT_SECRET environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokSecret
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		token, err := auth.IssueToken(auth.TokenRequest{
			Secret:   secret,
			Issuer:   tokIssuer,
			Audience: tokAudience,
			Subject:  tokSubject,
			TTL:      tokTTL,
		})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, map[string]string{
				"token":      token,
				"expires_at": time.Now().Add(tokTTL).UTC().Format(time.RFC3339),
			})
		}
		_, err = fmt.Fprintln(w, token)
		return err
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	f := tokenCmd.Flags()
	f.StringVar(&tokSecret, "secret", "", "HS256 secret (default $JWT_SECRET)")
	f.StringVar(&tokSubject, "subject", "relayctl", "token subject")
	f.StringVar(&tokIssuer, "issuer", "tonerelay", "token issuer")
	f.StringVar(&tokAudience, "audience", "tonerelay-api", "token audience")
	f.DurationVar(&tokTTL, "ttl", 24*time.Hour, "token lifetime")
}
