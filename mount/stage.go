package mount

// Stage enumerates the bootstrapper's states. A mount walks them in order;
// Ready and Failed are terminal.
type Stage int

const (
	StageIdle Stage = iota
	StageClearing
	StageActivatingPlugins
	StageMainEntry
	StageApplyingTheme
	StageBridge
	StageReady
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageClearing:
		return "clearing"
	case StageActivatingPlugins:
		return "activating-plugins"
	case StageMainEntry:
		return "main-entry"
	case StageApplyingTheme:
		return "applying-theme"
	case StageBridge:
		return "bridge"
	case StageReady:
		return "ready"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}
