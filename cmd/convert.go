package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var convertCmd = &cobra.Command{
	Use:   "convert <value> <from-unit> <to-unit>",
	Short: "Convert a value between registered units",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		value, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return eris.Wrapf(err, "convert: parse value %q", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		converted, err := st.ConvertUnits(ctx, value, args[1], args[2])
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "%g %s = %g %s\n", value, args[1], converted, args[2])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(convertCmd)
}
