package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/finclaw/internal/types"
	"github.com/user/finclaw/internal/valuation"
)

func init() {
	rootCmd.AddCommand(valuationCmd)
	valuationCmd.AddCommand(valuationCompositeCmd)
}

var valuationCmd = &cobra.Command{
	Use:   "valuation",
	Short: "Valuation calculations",
}

var valuationCompositeCmd = &cobra.Command{
	Use:   "composite <methods.json>",
	Short: "Compute the weighted composite from a methods JSON file",
	Long: `Reads a JSON array of methods, e.g.

  [
    {"type": "DCF", "weight": 0.6, "value": 2500000},
    {"type": "COMPS", "weight": 0.4, "value": 3000000}
  ]

and prints the weighted composite. Methods without a value contribute 0;
if no method has a positive value the composite is undefined.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read methods: %w", err)
		}
		var methods []types.Method
		if err := json.Unmarshal(data, &methods); err != nil {
			return fmt.Errorf("parse methods: %w", err)
		}

		composite, ok := valuation.Composite(methods)
		if !ok {
			fmt.Println("Composite: undefined (no method has a value yet)")
			return nil
		}
		fmt.Printf("Composite: $%.2f\n", composite)
		return nil
	},
}
