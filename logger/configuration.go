package logger

var defaultConfig = createDefaultConfig()

const dirPermMode = 0o744 // rwxr--r--

// Config controls where and how log events are written.
type Config struct {
	ConsoleConfig *ConsoleConfig // if nil, the logger will not log to the console
	RollingConfig *RollingConfig // if nil, the logger will not use a rolling log file

	MinLevel string // debug | info | warn | error | fatal
}

type ConsoleConfig struct {
	noColor bool
	asJSON  bool
}

type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

func createDefaultConfig() Config {
	const minLevel = "info"

	const rollingMaxSize = 1 // Mb
	const rollingMaxBackups = 5
	const rollingMaxAge = 0 // keep forever
	const defaultLogFilename = "tuic.log"

	return Config{
		ConsoleConfig: &ConsoleConfig{},
		RollingConfig: &RollingConfig{
			Filename:   defaultLogFilename,
			maxSize:    rollingMaxSize,
			maxBackups: rollingMaxBackups,
			maxAge:     rollingMaxAge,
		},
		MinLevel: minLevel,
	}
}

// CreateConfig builds a logger Config from CLI-shaped inputs. An empty
// rollingLogDir disables the rolling file sink.
func CreateConfig(minLevel string, disableTerminal, formatJSON bool, rollingLogDir string) *Config {
	var console *ConsoleConfig
	if !disableTerminal {
		console = &ConsoleConfig{asJSON: formatJSON}
	}

	var rolling *RollingConfig
	if rollingLogDir != "" {
		rolling = &RollingConfig{
			Dirname:    rollingLogDir,
			Filename:   defaultConfig.RollingConfig.Filename,
			maxSize:    defaultConfig.RollingConfig.maxSize,
			maxBackups: defaultConfig.RollingConfig.maxBackups,
			maxAge:     defaultConfig.RollingConfig.maxAge,
		}
	}

	if minLevel == "" {
		minLevel = defaultConfig.MinLevel
	}

	return &Config{
		ConsoleConfig: console,
		RollingConfig: rolling,
		MinLevel:      minLevel,
	}
}
