// officebus is the action authorization bus between office widgets, agents
// and the orchestrator that performs side effects.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "officebus",
	Short: "officebus routes side-effecting actions by risk tier.",
	Long: `officebus receives actions from widgets and agents and routes them by risk tier.
GREEN actions execute immediately through the orchestrator, YELLOW actions wait
for a user confirmation and RED actions wait for an explicit authorization.
Every transition is published on the lifecycle stream.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, submitCmd, decideCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
