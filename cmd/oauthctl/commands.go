package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	oauth "github.com/armabattles/oauth-core"
	"github.com/armabattles/oauth-core/storage"
)

func createClient(ctx context.Context, srv *oauth.Server, name string, redirectURIs []string, out io.Writer) error {
	client, secret, err := srv.CreateClient(ctx, name, redirectURIs)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Client created.\n\n")
	fmt.Fprintf(out, "  Name:          %s\n", client.Name)
	fmt.Fprintf(out, "  Client ID:     %s\n", client.ID)
	fmt.Fprintf(out, "  Client secret: %s\n", secret)
	fmt.Fprintf(out, "  Redirect URIs: %s\n\n", strings.Join(client.RedirectURIs, ", "))
	fmt.Fprintln(out, "Store the secret now. It cannot be shown again.")
	return nil
}

func listClients(ctx context.Context, srv *oauth.Server, out io.Writer) error {
	clients, err := srv.ListClients(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED\tREDIRECT URIS")
	for _, c := range clients {
		status := "active"
		if c.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Name, status, c.CreatedAt.UTC().Format(time.RFC3339), strings.Join(c.RedirectURIs, ","))
	}
	return tw.Flush()
}

func revokeClient(ctx context.Context, srv *oauth.Server, clientID string, out io.Writer) error {
	summary, err := srv.RevokeClient(ctx, clientID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Client %s revoked: %d codes, %d access tokens, %d refresh tokens invalidated.\n",
		clientID, summary.Codes, summary.AccessTokens, summary.RefreshTokens)
	return nil
}

func purgeExpired(ctx context.Context, purger storage.Purger, out io.Writer) error {
	removed, err := purger.PurgeExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Purged %d expired records.\n", removed)
	return nil
}
