package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/crpt_submit/internal/api"
	"github.com/austindbirch/crpt_submit/internal/intake"
	"github.com/austindbirch/crpt_submit/internal/ratelimit"
)

const configName = ".crptctl"

// options holds the resolved global settings: flag, then env (CRPT_*),
// then $HOME/.crptctl.yaml, then the flag default.
type options struct {
	v *viper.Viper

	cfgFile    string
	baseURL    string
	timeout    time.Duration
	signature  string
	period     time.Duration
	quota      int
	pool       int
	mode       string
	nsqd       string
	topic      string
	server     string
	grpcServer string
	outputJSON bool
	prettyJSON bool

	// newPublisher opens the NSQ producer for submit --enqueue.
	newPublisher func(addr string) (intake.Publisher, func(), error)
}

var boundFlags = []string{
	"base-url", "timeout", "signature", "period", "quota", "pool", "mode",
	"nsqd", "topic", "server", "grpc-server", "json", "pretty",
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{v: viper.New(), newPublisher: nsqPublisher})
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "crptctl",
		Short: "crptctl submits documents to the CRPT API",
		Long: `crptctl is a command line tool for the CRPT document submission client.

It submits LP_INTRODUCE_GOODS documents directly through the rate limited
client, enqueues them for the submitter service over NSQ, and checks the
health of a running submitter.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.cfgFile, "config", "", "config file (default is $HOME/.crptctl.yaml)")
	pf.String("base-url", api.DefaultBaseURL, "CRPT API base URL")
	pf.Duration("timeout", 60*time.Second, "overall timeout for a command")
	pf.String("signature", "", "detached signature used for the auth handshake")
	pf.Duration("period", time.Second, "rate limit window")
	pf.Int("quota", 5, "requests per window")
	pf.Int("pool", 4, "concurrent submissions")
	pf.String("mode", string(ratelimit.ModeFixed), "rate limit mode: fixed or sliding")
	pf.String("nsqd", "localhost:4150", "nsqd TCP address for --enqueue")
	pf.String("topic", "documents", "NSQ topic for --enqueue")
	pf.String("server", "localhost:8082", "submitter HTTP address")
	pf.String("grpc-server", "localhost:50052", "submitter gRPC address")
	pf.Bool("json", false, "output in JSON format")
	pf.Bool("pretty", false, "use jq for pretty JSON formatting (requires jq)")
	for _, name := range boundFlags {
		_ = o.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newSubmitCmd(o),
		newHealthCmd(o),
		newConfigCmd(o),
		newVersionCmd(o),
	)
	return root
}

// Execute runs crptctl, printing any error to stderr.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func (o *options) load(cmd *cobra.Command) error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		o.v.AddConfigPath(home)
		o.v.SetConfigType("yaml")
		o.v.SetConfigName(configName)
	}

	o.v.SetEnvPrefix("CRPT")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", o.v.ConfigFileUsed())
	}

	o.baseURL = o.v.GetString("base-url")
	o.timeout = o.v.GetDuration("timeout")
	o.signature = o.v.GetString("signature")
	o.period = o.v.GetDuration("period")
	o.quota = o.v.GetInt("quota")
	o.pool = o.v.GetInt("pool")
	o.mode = o.v.GetString("mode")
	o.nsqd = o.v.GetString("nsqd")
	o.topic = o.v.GetString("topic")
	o.server = o.v.GetString("server")
	o.grpcServer = o.v.GetString("grpc-server")
	o.outputJSON = o.v.GetBool("json")
	o.prettyJSON = o.v.GetBool("pretty")
	return nil
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configName+".yaml"), nil
}

func nsqPublisher(addr string) (intake.Publisher, func(), error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLogger(nil, nsq.LogLevelError)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, nil, fmt.Errorf("nsqd %s unreachable: %w", addr, err)
	}
	return p, p.Stop, nil
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printJSON writes v as JSON, through jq when --pretty is set.
func (o *options) printJSON(w io.Writer, v any) error {
	if !o.prettyJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	formatted, jqErr := formatWithJQ(data)
	if jqErr != nil {
		// Fall back to standard pretty printing if jq fails
		data, _ = json.MarshalIndent(v, "", "  ")
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err = fmt.Fprint(w, formatted)
	return err
}
