package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/comet/pkg/comet/api"
)

// apiClient talks to the HTTP API of a running cometd.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(s *settings) *apiClient {
	return &apiClient{
		base:  strings.TrimSuffix(s.HTTP.Server, "/"),
		token: s.HTTP.Token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newGroupsCmd(v *viper.Viper) *cobra.Command {
	var sourceType, state, owner string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List groups known to a running cometd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			q := url.Values{}
			for k, val := range map[string]string{"source_type": sourceType, "state": state, "owner": owner} {
				if val != "" {
					q.Set(k, val)
				}
			}
			var resp struct {
				Groups []api.GroupResponse `json:"groups"`
			}
			if err := newAPIClient(s).do(cmd.Context(), http.MethodGet, "/api/v1/groups?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), resp.Groups)
		},
	}
	cmd.Flags().StringVar(&sourceType, "source", "", "filter by source type")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (comma separated)")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func printGroups(w io.Writer, groups []api.GroupResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tFINGERPRINT\tGEN\tSTATE\tOWNER\tMEMBERS\tUPDATED")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			g.SourceType, g.Fingerprint, g.Generation, g.State, g.Owner, g.Members,
			g.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newAckCmd(v *viper.Viper) *cobra.Command {
	var generation int64
	cmd := &cobra.Command{
		Use:   "ack <source_type> <fingerprint>",
		Short: "Acknowledge a routed group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			req := api.AcknowledgeRequest{SourceType: args[0], Fingerprint: args[1], Generation: generation}
			var resp api.AcknowledgeResponse
			if err := newAPIClient(s).do(cmd.Context(), http.MethodPost, "/api/v1/acknowledge", req, &resp); err != nil {
				return err
			}
			if resp.Acknowledged {
				fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s/%s\n", args[0], args[1])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing to acknowledge for %s/%s\n", args[0], args[1])
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&generation, "generation", 0, "generation to acknowledge (0 = current)")
	return cmd
}
