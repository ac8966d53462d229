package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statesResponse mirrors the /api/v1/states payload.
type statesResponse struct {
	Curtime int64           `json:"curtime"`
	States  []stateSnapshot `json:"states"`
}

type stateSnapshot struct {
	Proto   string `json:"proto"`
	SrcAddr string `json:"src"`
	SrcPort uint16 `json:"sport"`
	DstAddr string `json:"dst"`
	DstPort uint16 `json:"dport"`
	Age     int64  `json:"age"`
}

func statesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "Show the tracked connection states",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var states statesResponse
			body, err := fetch("/api/v1/states", &states)
			if err != nil {
				return err
			}

			out, err := formatStates(&states, body, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
