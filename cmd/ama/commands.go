package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/amakenya/ama/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the civic assistant a question",
	Long: `Ask the civic assistant a question, personalized to a user profile.

Examples:
  ama ask --user u-123 "What does Article 43 of the Constitution guarantee?"
  ama ask --user u-123 --session s-1 --language sw "Nini haki zangu za maji?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		language, _ := cmd.Flags().GetString("language")
		noHistory, _ := cmd.Flags().GetBool("no-history")

		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id":    userID,
			"session_id": sessionID,
			"query":      query,
		}
		if language != "" {
			req["language"] = language
		}
		if noHistory {
			req["include_history"] = false
		}

		resp, err := client.post(cmd.Context(), "/v1/civic/ask", req)
		if err != nil {
			return err
		}

		var result struct {
			Answer  string `json:"answer"`
			Sources []struct {
				Title      string  `json:"title"`
				Article    string  `json:"article"`
				Similarity float64 `json:"similarity"`
				IsLocal    bool    `json:"is_local"`
			} `json:"sources"`
			Confidence      float64 `json:"confidence"`
			Personalization struct {
				TailoredTo string `json:"tailored_to"`
				Location   string `json:"location"`
			} `json:"personalization"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Sources) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Sources:"))
			for i, s := range result.Sources {
				label := s.Title
				if s.Article != "" {
					label += " (" + s.Article + ")"
				}
				local := ""
				if s.IsLocal {
					local = " [local]"
				}
				fmt.Printf("  [%d] %s — %.2f%s\n", i+1, label, s.Similarity, local)
			}
		}
		fmt.Printf("\n%s %.2f", colorize(colorBold, "Confidence:"), result.Confidence)
		if result.Personalization.TailoredTo != "" {
			fmt.Printf("  (tailored to %s, %s)", result.Personalization.TailoredTo, result.Personalization.Location)
		}
		fmt.Println()
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
		return nil
	},
}

func init() {
	askCmd.Flags().String("user", "", "user ID the answer is personalized for")
	askCmd.Flags().String("session", "", "session ID (a new one is generated when omitted)")
	askCmd.Flags().String("language", "", "response language: en or sw")
	askCmd.Flags().Bool("no-history", false, "ignore previous conversation turns")
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage user profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/users/"+args[0]+"/profile")
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <user-id> <key> <value>",
	Short: "Set a profile field",
	Long: `Set a profile field. List fields (interests, expertise_areas) take
comma-separated values.

Examples:
  ama profile set u-123 county Kiambu
  ama profile set u-123 role youth_leader
  ama profile set u-123 interests water,roads,education`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, key, value := args[0], args[1], args[2]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var fieldValue any = value
		switch key {
		case "interests", "expertise_areas":
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			fieldValue = parts
		case "verified_role":
			fieldValue = value == "true"
		}

		body := map[string]any{key: fieldValue}
		resp, err := client.patch(cmd.Context(), "/v1/users/"+userID+"/profile", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s for %s", key, value, userID)
		return nil
	},
}

var profileContextCmd = &cobra.Command{
	Use:   "context <user-id>",
	Short: "Show the aggregated personalization context for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/users/"+args[0]+"/context")
		if err != nil {
			return err
		}

		var uc any
		if err := decodeJSON(resp, &uc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(uc)
	},
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileContextCmd)
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage the civic knowledge base",
}

var docsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a document to the knowledge base",
	Long: `Add a document to the knowledge base. It is embedded and becomes
searchable once the ingest job completes.

Examples:
  ama docs add --text "Article 43 guarantees ..." --title "Constitution Art. 43" --source constitution
  ama docs add --file ./bylaws.txt --title "Nairobi Waste Bylaws" --source county-gazette --county Nairobi`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		source, _ := cmd.Flags().GetString("source")
		county, _ := cmd.Flags().GetString("county")
		article, _ := cmd.Flags().GetString("article")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if source == "" {
			return fmt.Errorf("--source is required")
		}

		content := text
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
			if title == "" {
				title = file
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"content": content,
			"source":  source,
		}
		if title != "" {
			req["title"] = title
		}
		if county != "" {
			req["county"] = county
		}
		if article != "" {
			req["article"] = article
		}

		resp, err := client.post(cmd.Context(), "/v1/docs", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge base documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/docs?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Source string `json:"source"`
			County string `json:"county"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			county := d.County
			if county == "" {
				county = "national"
			}
			fmt.Printf("%s  %-12s  %-40s  %s\n",
				colorize(colorCyan, d.ID[:8]),
				county,
				d.Title,
				d.Source,
			)
		}
		return nil
	},
}

var docsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a document and its search vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/docs/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted doc %s", args[0])
		return nil
	},
}

func init() {
	docsAddCmd.Flags().String("text", "", "document text")
	docsAddCmd.Flags().String("file", "", "file path to read the document from")
	docsAddCmd.Flags().String("title", "", "document title")
	docsAddCmd.Flags().String("source", "", "where the document comes from (constitution, county-gazette, ...)")
	docsAddCmd.Flags().String("county", "", "county the document applies to (empty for national)")
	docsAddCmd.Flags().String("article", "", "article or section reference")
	docsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	docsCmd.AddCommand(docsAddCmd)
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsRemoveCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the conversation history for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/sessions/%s/history?limit=%d", args[0], limit))
		if err != nil {
			return err
		}

		var msgs []struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range msgs {
			label := m.Role
			if m.Role == "user" {
				label = colorize(colorCyan, "user")
			}
			fmt.Printf("%s: %s\n", label, m.Content)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of messages to show")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
