package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"connectflow/pkg/apikey"
	"connectflow/services/workflow"
)

var keygenFlags struct {
	user     string
	workflow string
	node     string
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Issue an API trigger key for a workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.APISecretKey == "" {
			return errors.New("API_SECRET_KEY is not set")
		}
		codec, err := apikey.NewCodec(cfg.APISecretKey)
		if err != nil {
			return err
		}
		key, err := codec.Generate(apikey.Claims{
			UserID:        keygenFlags.user,
			WorkflowID:    keygenFlags.workflow,
			TriggerNodeID: keygenFlags.node,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var credentialFlags struct {
	id       string
	user     string
	nodeType string
	name     string
	value    string
	data     string
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Store a credential for a workflow owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := workflow.NodeType(credentialFlags.nodeType)
		if !t.Valid() {
			return fmt.Errorf("unknown node type %q", credentialFlags.nodeType)
		}
		cred := &workflow.Credential{
			ID:     credentialFlags.id,
			UserID: credentialFlags.user,
			Type:   t,
			Name:   credentialFlags.name,
			Value:  credentialFlags.value,
			Data:   map[string]any{},
		}
		if credentialFlags.data != "" {
			if err := json.Unmarshal([]byte(credentialFlags.data), &cred.Data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		b, err := newBackend(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer b.pool.Close()

		if err := b.repo.SaveCredential(cmd.Context(), cred); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s credential %s for %s\n", t.DisplayName(), cred.ID, cred.UserID)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenFlags.user, "user", "", "owner of the workflow")
	keygenCmd.Flags().StringVar(&keygenFlags.workflow, "workflow", "", "workflow to trigger")
	keygenCmd.Flags().StringVar(&keygenFlags.node, "node", "", "API trigger node id")
	keygenCmd.MarkFlagRequired("user")
	keygenCmd.MarkFlagRequired("workflow")

	credentialCmd.Flags().StringVar(&credentialFlags.id, "id", "", "credential id referenced by credentialId")
	credentialCmd.Flags().StringVar(&credentialFlags.user, "user", "", "owner of the credential")
	credentialCmd.Flags().StringVar(&credentialFlags.nodeType, "type", "", "node type the credential serves, e.g. OPENAI")
	credentialCmd.Flags().StringVar(&credentialFlags.name, "name", "", "display name")
	credentialCmd.Flags().StringVar(&credentialFlags.value, "value", "", "primary secret, usually an API key")
	credentialCmd.Flags().StringVar(&credentialFlags.data, "data", "", "structured fields as a JSON object")
	credentialCmd.MarkFlagRequired("id")
	credentialCmd.MarkFlagRequired("user")
	credentialCmd.MarkFlagRequired("type")
}
