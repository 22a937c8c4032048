package cmd

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"snapvault/internal/backup"
)

var (
	keyOut           string
	keyForce         bool
	keyVersion       int
	keySaltHex       string
	keyPassphraseEnv string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generate, derive and inspect master keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random 256-bit master key",
	Long: `Generate a random 256-bit master key. With --out the key is written
hex-encoded with owner-only permissions and only its fingerprint is
printed; otherwise the hex key itself is printed.`,
	Args: cobra.NoArgs,
	RunE: runKeyGenerate,
}

var keyDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Derive a master key from a passphrase",
	Long: `Derive a master key from a passphrase with PBKDF2-SHA256. The same
passphrase and salt always give the same key, so keep the printed salt in
encryption.salt_hex.

The passphrase is read from the variable named by --passphrase-env or,
failing that, prompted for on the terminal.`,
	Args: cobra.NoArgs,
	RunE: runKeyDerive,
}

var keyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the configured keys and print their fingerprints",
	Args:  cobra.NoArgs,
	RunE:  runKeyCheck,
}

func init() {
	keyGenerateCmd.Flags().StringVar(&keyOut, "out", "", "write the key to this file")
	keyGenerateCmd.Flags().BoolVar(&keyForce, "force", false, "overwrite an existing key file")
	keyGenerateCmd.Flags().IntVar(&keyVersion, "version", 1, "key version to report")

	keyDeriveCmd.Flags().StringVar(&keySaltHex, "salt", "", "hex salt (generated when empty)")
	keyDeriveCmd.Flags().StringVar(&keyPassphraseEnv, "passphrase-env", "", "environment variable holding the passphrase")
	keyDeriveCmd.Flags().IntVar(&keyVersion, "version", 1, "key version to report")

	keyCmd.AddCommand(keyGenerateCmd, keyDeriveCmd, keyCheckCmd)
	rootCmd.AddCommand(keyCmd)
}

func runKeyGenerate(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	km := backup.NewKeyManager(&backup.EncryptionConfig{})
	raw, err := km.GenerateKey()
	if err != nil {
		return err
	}
	key, err := backup.NewMasterKey(keyVersion, raw)
	if err != nil {
		return err
	}

	result := map[string]string{
		"version":     strconv.Itoa(key.Version),
		"fingerprint": key.Fingerprint(),
	}
	if keyOut == "" {
		result["key_hex"] = hex.EncodeToString(raw)
	} else {
		if _, err := os.Stat(keyOut); err == nil && !keyForce {
			return backup.NewConflictError(fmt.Sprintf("key file %s already exists", keyOut), nil).
				WithContext("hint", "use --force to overwrite it")
		}
		if err := km.SaveKeyToFile(raw, keyOut); err != nil {
			return err
		}
		result["path"] = keyOut
	}

	return p.Result(result, func() {
		pairs := [][2]string{
			{"Version", result["version"]},
			{"Fingerprint", result["fingerprint"]},
		}
		if keyOut == "" {
			pairs = append(pairs, [2]string{"Key", result["key_hex"]})
		} else {
			pairs = append(pairs, [2]string{"Written to", keyOut})
		}
		p.KeyValues(pairs)
		p.Warning("Store the key safely: backups cannot be restored without it")
	})
}

func runKeyDerive(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	km := backup.NewKeyManager(&backup.EncryptionConfig{})

	var salt []byte
	if keySaltHex != "" {
		if salt, err = hex.DecodeString(keySaltHex); err != nil {
			return backup.NewValidationError("--salt must be hex", err)
		}
	} else if salt, err = km.GenerateSalt(); err != nil {
		return err
	}

	passphrase, err := readPassphrase(cmd)
	if err != nil {
		return err
	}
	raw, err := km.DeriveKeyFromPassphrase(passphrase, salt)
	if err != nil {
		return err
	}
	key, err := backup.NewMasterKey(keyVersion, raw)
	if err != nil {
		return err
	}

	result := map[string]string{
		"version":     strconv.Itoa(key.Version),
		"fingerprint": key.Fingerprint(),
		"salt_hex":    hex.EncodeToString(salt),
	}
	return p.Result(result, func() {
		p.KeyValues([][2]string{
			{"Version", result["version"]},
			{"Fingerprint", result["fingerprint"]},
			{"Salt", result["salt_hex"]},
		})
	})
}

// readPassphrase prefers the named environment variable, then a hidden
// terminal prompt, then one line of piped stdin.
func readPassphrase(cmd *cobra.Command) (string, error) {
	if keyPassphraseEnv != "" {
		if v := os.Getenv(keyPassphraseEnv); v != "" {
			return v, nil
		}
		return "", backup.NewConfigurationError(fmt.Sprintf("environment variable %s is not set", keyPassphraseEnv), nil)
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Passphrase: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", backup.NewValidationError("no passphrase given on stdin", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runKeyCheck(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ring, err := backup.NewKeyManager(&cfg.Encryption).LoadKeyRing()
	if err != nil {
		return err
	}

	type keyInfo struct {
		Version     int    `json:"version"`
		Fingerprint string `json:"fingerprint"`
		Current     bool   `json:"current"`
	}
	var keys []keyInfo
	for _, v := range ring.Versions() {
		k, _ := ring.Get(v)
		keys = append(keys, keyInfo{
			Version:     v,
			Fingerprint: k.Fingerprint(),
			Current:     v == ring.Current().Version,
		})
	}

	if p.Format().Structured() {
		return p.Structured(keys)
	}
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{strconv.Itoa(k.Version), k.Fingerprint, strconv.FormatBool(k.Current)})
	}
	return p.Table([]string{"Version", "Fingerprint", "Current"}, rows)
}
