package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/session"
	"github.com/apiplus/workbench/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "auth",
	Short:   "Authenticate against the remote service",
	Long: `Authenticate with email and password, or with a session key issued by
the web application. The resulting token is stored in the local database
and reused by all other commands until logout.

A successful login is followed by a full initial pull so the local
database reflects the account's workspaces.

Example usage:
  apiplus login --email you@example.com --password secret
  apiplus login --skey 4f2c...9a     # token from the web app`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()

		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		skey, _ := cmd.Flags().GetString("skey")

		var sess *session.Session
		switch {
		case skey != "":
			sess, err = a.auth.SkeyLogin(ctx, skey)
		case email != "":
			if password == "" {
				fatalf("--password is required with --email")
			}
			sess, err = a.auth.Login(ctx, email, password)
		default:
			fatalf("either --email or --skey is required")
		}
		if err != nil {
			fatalf("login failed: %v", err)
		}
		a.client.SetToken(sess.Token)
		fmt.Printf("Logged in as %s (%s)\n", ui.Accent(sess.Nickname), sess.Email)

		res, err := a.engine.InitialSync(ctx)
		if err != nil {
			fmt.Printf("%s initial pull failed: %v\n", ui.Warn("Warning:"), err)
			return
		}
		fmt.Printf("Pulled %d changes\n", res.Applied)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "auth",
	Short:   "Discard the stored session",
	Long: `Remove the stored authentication token. Local data stays in place and
keeps accumulating edits; they sync on the next login.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()

		if err := a.auth.Logout(cmd.Context()); err != nil {
			fatalf("logout failed: %v", err)
		}
		fmt.Println("Logged out")
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "auth",
	Short:   "Show the current account",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()

		sess := a.requireSession(cmd.Context())
		fmt.Printf("%s <%s>\n", ui.Accent(sess.Nickname), sess.Email)
		fmt.Printf("Plan:  %s\n", sess.Plan)
		if sess.Expire > 0 {
			fmt.Printf("Until: %s\n", time.UnixMilli(sess.Expire).Format("2006-01-02"))
		}
		if sess.CanSync(time.Now()) {
			fmt.Printf("Sync:  %s\n", ui.OK("enabled"))
		} else {
			fmt.Printf("Sync:  %s\n", ui.Muted("disabled (plan)"))
		}
	},
}

func init() {
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password")
	loginCmd.Flags().String("skey", "", "Session key from the web app")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
