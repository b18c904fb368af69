package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xdc-intel/transferscan/config"
)

// DefaultPath is where the wizard writes its config.
const DefaultPath = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers are the raw wizard inputs.
type Answers struct {
	RPCURLs        string
	PriceAPIURL    string
	PriceAPIKey    string
	ThresholdUSD   string
	BatchSize      string
	LookbackBlocks string
	OutputDir      string
	OutputPrefix   string
	CheckpointFile string
	Interval       string
	Tokens         string
	KafkaBrokers   string
	KafkaTopic     string
}

// DefaultAnswers prefills the wizard.
func DefaultAnswers() Answers {
	return Answers{
		RPCURLs:        config.DefaultRPCURLs,
		PriceAPIURL:    config.DefaultPriceAPIURL,
		ThresholdUSD:   config.DefaultThresholdUSD,
		BatchSize:      fmt.Sprint(config.DefaultBatchSize),
		LookbackBlocks: fmt.Sprint(config.DefaultLookbackBlocks),
		OutputDir:      config.DefaultOutputDir,
		OutputPrefix:   config.DefaultOutputPrefix,
		CheckpointFile: config.DefaultCheckpointFile,
	}
}

func clearScreen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRANSFERSCAN CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := DefaultAnswers()
	var useKafka, confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRANSFERSCAN CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Large transfer scanning for XDC, configured in a minute.\n"))

	fmt.Println(stepStyle.Render("STEP 1: RPC ENDPOINTS"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("RPC endpoints").
				Description("Comma-separated, in preference order").
				Value(&a.RPCURLs).
				Validate(func(s string) error {
					if len(splitList(s)) == 0 {
						return fmt.Errorf("at least one endpoint is required")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("STEP 2: PRICE API")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Price API base URL").
				Value(&a.PriceAPIURL),
			huh.NewInput().
				Title("Price API key").
				Description("Leave empty to read CMC_API_KEY from the environment").
				Value(&a.PriceAPIKey).
				EchoMode(huh.EchoModePassword),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("STEP 3: SCANNING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("USD threshold").
				Description("Transfers worth at least this much are reported").
				Value(&a.ThresholdUSD).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Batch size").
				Value(&a.BatchSize).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Lookback blocks").
				Description("Maximum blocks scanned per run (1800 is about one hour)").
				Value(&a.LookbackBlocks).
				Validate(validatePositiveInt),
			huh.NewInput().
				Title("Token contracts").
				Description("Optional comma-separated allow-list of ERC-20 addresses").
				Value(&a.Tokens).
				Validate(validateAddresses),
			huh.NewInput().
				Title("Run interval").
				Description("Empty runs once per invocation (e.g. 10m for daemon mode)").
				Value(&a.Interval).
				Validate(validateOptionalDuration),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("STEP 4: OUTPUT")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Output directory").
				Value(&a.OutputDir),
			huh.NewInput().
				Title("Artifact prefix").
				Value(&a.OutputPrefix),
			huh.NewInput().
				Title("Checkpoint file").
				Value(&a.CheckpointFile),
			huh.NewConfirm().
				Title("Publish qualifying transfers to Kafka?").
				Value(&useKafka),
		),
	).Run()
	if err != nil {
		return err
	}

	if useKafka {
		clearScreen("STEP 5: KAFKA")
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Brokers").
					Description("Comma-separated host:port").
					Value(&a.KafkaBrokers),
				huh.NewInput().
					Title("Topic").
					Value(&a.KafkaTopic),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	clearScreen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Endpoints: %d\nThreshold: %s USD\nLookback: %s blocks\nOutput: %s/%s_*.csv\n",
		len(splitList(a.RPCURLs)), a.ThresholdUSD, a.LookbackBlocks, a.OutputDir, a.OutputPrefix,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	if err := Write(path, a); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

// Build converts answers into the YAML config, validated the same way Load validates a file.
func Build(a Answers) (config.ConfigTmp, error) {
	tmp := config.ConfigTmp{
		RPCURLs:        splitList(a.RPCURLs),
		PriceAPIURL:    strings.TrimSpace(a.PriceAPIURL),
		PriceAPIKey:    strings.TrimSpace(a.PriceAPIKey),
		ThresholdUSD:   strings.TrimSpace(a.ThresholdUSD),
		BatchSize:      strings.TrimSpace(a.BatchSize),
		LookbackBlocks: strings.TrimSpace(a.LookbackBlocks),
		OutputDir:      strings.TrimSpace(a.OutputDir),
		OutputPrefix:   strings.TrimSpace(a.OutputPrefix),
		CheckpointFile: strings.TrimSpace(a.CheckpointFile),
		Interval:       strings.TrimSpace(a.Interval),
	}

	for _, addr := range splitList(a.Tokens) {
		tmp.Tokens = append(tmp.Tokens, config.TokenTmp{Address: addr})
	}

	if brokers := splitList(a.KafkaBrokers); len(brokers) > 0 {
		tmp.Kafka = config.KafkaTmp{Brokers: brokers, Topic: strings.TrimSpace(a.KafkaTopic)}
	}

	cfg, err := tmp.Build()
	if err != nil {
		return config.ConfigTmp{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.ConfigTmp{}, err
	}

	return tmp, nil
}

// Write builds the config from answers and saves it as YAML.
func Write(path string, a Answers) error {
	tmp, err := Build(a)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validatePositiveInt(s string) error {
	var n uint64
	if _, err := fmt.Sscan(strings.TrimSpace(s), &n); err != nil || n == 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateAddresses(s string) error {
	for _, addr := range splitList(s) {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address %q", addr)
		}
	}
	return nil
}

func validateOptionalDuration(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_, err := time.ParseDuration(strings.TrimSpace(s))
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
