package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var (
		serverURL string
		reason    string
		cancel    bool
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running pollci server to start (or cancel) a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				listen := cfg.ListenOrDefault()
				if strings.HasPrefix(listen, ":") {
					listen = "localhost" + listen
				}
				serverURL = "http://" + listen
			}
			serverURL = strings.TrimSuffix(serverURL, "/")

			url := serverURL + "/runs"
			var body []byte
			if cancel {
				url = serverURL + "/runs/active/cancel"
			} else {
				body, _ = json.Marshal(map[string]string{"reason": reason})
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("contacting %s: %w", serverURL, err)
			}
			defer resp.Body.Close()

			var result map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decoding response (%s): %w", resp.Status, err)
			}
			out := cmd.OutOrStdout()
			switch {
			case resp.StatusCode >= 300:
				msg := result["error"]
				if msg == "" {
					msg = result["admission"]
				}
				fmt.Fprintln(out, failStyle.Render(resp.Status)+" "+msg)
				return fmt.Errorf("server answered %s", resp.Status)
			case cancel:
				fmt.Fprintln(out, warnStyle.Render("cancelling active run"))
			default:
				fmt.Fprintln(out, okStyle.Render("run "+result["admission"]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default from config listen)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the run")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel the active run instead")
	return cmd
}
