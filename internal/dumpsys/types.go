package dumpsys

// TopActivityInfo 前台 Activity 信息（由 dumpsys activity top 解析而来）
type TopActivityInfo struct {
	Activity  string            `json:"activity,omitempty"` // packagename/ClassName，未找到时为空
	ViewIDHex map[string]string `json:"view_id_hex"`        // id/xxx -> view handle
	Fragments []FragmentInfo    `json:"fragments"`          // 按 dump 中出现顺序
}

// NewTopActivityInfo 创建空结果
func NewTopActivityInfo() *TopActivityInfo {
	return &TopActivityInfo{
		ViewIDHex: make(map[string]string),
		Fragments: []FragmentInfo{},
	}
}

// IsEmpty 是否为空结果（没有 resumed task）
func (t *TopActivityInfo) IsEmpty() bool {
	return t.Activity == "" && len(t.ViewIDHex) == 0 && len(t.Fragments) == 0
}

// FragmentInfo Fragment 信息
type FragmentInfo struct {
	Name             string `json:"name"`
	FragmentID       string `json:"fragment_id"`  // 可能是 #7f0a001 这种形式，保持原样
	ContainerID      string `json:"container_id"` // 同上
	Tag              string `json:"tag,omitempty"`
	Who              string `json:"who,omitempty"`
	Index            int    `json:"index"`
	State            int    `json:"state"`
	BackStackNesting int    `json:"back_stack_nesting"`
	Added            bool   `json:"added"`
	Removing         bool   `json:"removing"`
	FromLayout       bool   `json:"from_layout"`
	InLayout         bool   `json:"in_layout"`
	Hidden           bool   `json:"hidden"`
	Detached         bool   `json:"detached"`
}
