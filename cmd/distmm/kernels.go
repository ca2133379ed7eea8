// Copyright 2025 go-distmm Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ajroetker/go-distmm/dmm/contrib/kernel"
)

func newKernelsCmd() *cobra.Command {
	var size, procs int
	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "List the local product kernels and the automatic choice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			title := cases.Title(language.English)
			for _, v := range kernel.Variants() {
				status := ""
				if v.New == nil {
					status = " (not implemented)"
				}
				fmt.Fprintf(out, "%-10s %s%s\n", v.Name, title.String(v.Description), status)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "CPU features: %s\n", strings.Join(kernel.Features(), " "))
			fmt.Fprintf(out, "Default ($%s): %s\n", kernel.EnvKernel, kernel.DefaultName())
			fmt.Fprintf(out, "Auto for N=%d, P=%d: %s\n", size, procs, kernel.Auto(size, procs).Name())
			return nil
		},
	}
	cmd.Flags().IntVarP(&size, "size", "n", 1024, "global matrix dimension N")
	cmd.Flags().IntVarP(&procs, "procs", "p", 4, "number of workers")
	return cmd
}
