package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// dumpResponse mirrors the /api/v1/dump payload.
type dumpResponse struct {
	Curtime    int64           `json:"curtime"`
	Interfaces []ifaceSnapshot `json:"interfaces"`
}

type ifaceSnapshot struct {
	Ifname    string         `json:"ifname"`
	Gate      string         `json:"gate"`
	HWAddr    string         `json:"hwaddr"`
	HWClient  string         `json:"hwclient"`
	HWRouter  string         `json:"hwrouter"`
	Addresses []addrSnapshot `json:"addresses"`
}

type addrSnapshot struct {
	Type      int            `json:"type"`
	Addr      string         `json:"addr"`
	Time      int64          `json:"time"`
	Hits      uint64         `json:"hits"`
	Flags     int            `json:"flags"`
	Name      string         `json:"name"`
	Addresses []addrSnapshot `json:"addresses"`
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Show the learned address tables",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var dump dumpResponse
			body, err := fetch("/api/v1/dump", &dump)
			if err != nil {
				return err
			}

			out, err := formatDump(&dump, body, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
