package cmd

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-dht22-decoder/internal/codec"
	"github.com/brocaar/chirpstack-dht22-decoder/internal/config"
)

var decodeFormat string

var decodeCmd = &cobra.Command{
	Use:   "decode [payload...]",
	Short: "Decode one or more payloads and print the decoder output as JSON",
	Long: `Decode one or more payloads and print the decoder output as JSON.

A payload is either HEX encoded (e.g. 092919AA0181) or a decoder input
object (e.g. {"bytes": [9, 41, 25, 170, 1, 129], "fPort": 2}). When no
payloads are given as arguments, they are read from stdin (one per line).`,
	Example: `chirpstack-dht22-decoder decode 092919AA0181
chirpstack-dht22-decoder decode --format solar 092919AA018101`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := decodeFormat
		if name == "" {
			name = config.C.Decoder.Format
		}

		f, err := codec.GetFormat(name)
		if err != nil {
			return errors.Wrap(err, "get format error")
		}

		inputs := args
		if len(inputs) == 0 {
			inputs, err = readLines(os.Stdin)
			if err != nil {
				return err
			}
		}

		return decodeInputs(cmd.OutOrStdout(), codec.NewDecoder(f), inputs)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "", "payload format (basic or solar), defaults to decoder.format")
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read input error")
	}
	return out, nil
}

// parseInput parses a HEX encoded payload or a JSON encoded decoder input.
func parseInput(s string) (codec.UplinkInput, error) {
	var in codec.UplinkInput
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), &in); err != nil {
			return in, err
		}
		return in, nil
	}

	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return in, errors.Wrap(err, "decode hex error")
	}
	in.Bytes = b

	return in, nil
}

func decodeInputs(w io.Writer, d codec.Decoder, inputs []string) error {
	for _, s := range inputs {
		in, err := parseInput(s)
		if err != nil {
			return errors.Wrapf(err, "parse input '%s' error", s)
		}

		b, err := json.Marshal(codec.DecodeUplink(d, in))
		if err != nil {
			return errors.Wrap(err, "marshal output error")
		}

		fmt.Fprintln(w, string(b))
	}

	return nil
}
