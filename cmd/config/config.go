package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout        io.Writer = os.Stdout
	stdin         io.Reader = os.Stdin
	writeConfig             = config.Write
	getConfigPath           = config.GetConfigPath
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.Config
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the treesync configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.StoreDir, "store-dir", "",
		"Set the directory for published snapshots. "+
			"Optional: If not set, `treesync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.ClientsDir, "clients-dir", "",
		"Set the directory containing the canonical client trees. "+
			"Optional: If not set, `treesync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Listen, "listen", "",
		"Set the address that `treesync serve` listens on. "+
			"Optional: If not set, `treesync config` will interactively prompt.")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration in effect, including defaults",
		Run: func(_ *cobra.Command, _ []string) {
			if err := showConfig(); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.Config) string
	}

	getters := []getterSpec{
		{
			use:   "get-store-dir",
			short: "Get the directory where published snapshots are kept",
			fn:    func(cfg config.Config) string { return cfg.StoreDir },
		},
		{
			use:   "get-clients-dir",
			short: "Get the directory containing the canonical client trees",
			fn:    func(cfg config.Config) string { return cfg.ClientsDir },
		},
		{
			use:   "get-listen",
			short: "Get the address that the server listens on",
			fn:    func(cfg config.Config) string { return cfg.Listen },
		},
		{
			use:   "get-sync-root",
			short: "Get the directory that sync requests are confined to",
			fn:    func(cfg config.Config) string { return cfg.SyncRoot },
		},
		{
			use:   "get-categories",
			short: "Get the names of the configured categories",
			fn: func(cfg config.Config) string {
				return strings.Join(cfg.CategoryNames(), "\n")
			},
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := util.ParseConf()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for the settings that weren't given in `cliOpts`, and
// writes the result to the config file. Settings that can't be prompted for,
// such as the categories, are kept from the current config.
func SetupConfig(cliOpts config.Config) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := getConfigPath()
	if err != nil {
		return errors.WithContext(err, "get config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func showConfig() error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	_, err = stdout.Write(yamlBytes)
	return err
}

func listenValidationFn(addr string) (string, bool) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("%q isn't a valid address. "+
			"Please enter it as host:port, such as localhost:8080.", addr), false
	}

	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Sprintf("%q isn't a valid port. "+
			"Please pick a number between 0 and 65535.", port), false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the desired
// configuration is. The defaults are offered first, followed by the current
// values.
func generateConfig(cliOpts config.Config) (config.Config, error) {
	defaults := config.Default()
	currConfig, err := util.ParseConf()
	if err != nil {
		currConfig = config.Config{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	var prompts []prompt
	if cliOpts.StoreDir != "" {
		cfg.StoreDir = cliOpts.StoreDir
	} else {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory to keep published snapshots in.\n" +
				"It's created if it doesn't exist.",
			prompt:        "Snapshot store directory",
			defaultAnswer: defaults.StoreDir,
			currAnswer:    currConfig.StoreDir,
			field:         &cfg.StoreDir,
		})
	}

	if cliOpts.ClientsDir != "" {
		cfg.ClientsDir = cliOpts.ClientsDir
	} else {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory containing the canonical client trees.\n" +
				"Each tree is expected at <directory>/<profile>/<version>/<category>.",
			prompt:        "Clients directory",
			defaultAnswer: defaults.ClientsDir,
			currAnswer:    currConfig.ClientsDir,
			field:         &cfg.ClientsDir,
		})
	}

	if cliOpts.Listen != "" {
		if msg, ok := listenValidationFn(cliOpts.Listen); !ok {
			return config.Config{}, errors.New(msg)
		}
		cfg.Listen = cliOpts.Listen
	} else {
		prompts = append(prompts, prompt{
			helpString:    "Enter the address for `treesync serve` to listen on.",
			prompt:        "Listen address",
			defaultAnswer: defaults.Listen,
			currAnswer:    currConfig.Listen,
			field:         &cfg.Listen,
			validationFn:  listenValidationFn,
		})
	}

	stdinReader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(stdinReader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Config{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	return cfg, nil
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimSpace(choiceStr)

			// Default to the first choice if nothing is entered.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(resp), nil
}
