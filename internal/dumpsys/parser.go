package dumpsys

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	taskMarker     = "TASK "
	resumedMarker  = "mResumed=true"
	fragmentIDKey  = "mFragmentId="
	childManager   = "Child FragmentManager"
	childManagerID = "Child_FragmentManager"
)

var (
	reActivityLine = regexp.MustCompile(`ACTIVITY .* [0-9a-fA-F]+ pid.*`)
	// 4 个空格 + 大写字母开头的是子段落标题，例如 "View Hierarchy:"，大写字母会被 split 吃掉
	reSection = regexp.MustCompile(`\n {4}[A-Z]`)
	// 每个 fragment 以 "      #0:" 开头
	reFragmentEntry = regexp.MustCompile(`\n {6}#[0-9]+:`)
)

// Parse 解析 dumpsys activity top 的输出
// 格式不符的部分直接跳过；只有 mState/mIndex/mBackStackNesting 不是整数时返回 *FieldError
func Parse(raw string) (*TopActivityInfo, error) {
	info := NewTopActivityInfo()

	task, ok := SelectResumedTask(raw)
	if !ok {
		return info, nil
	}

	info.Activity = ExtractActivity(task)

	// 按整段内容分类，依次判断；AndroidX 的 "Active Fragments in xx:" 嵌在
	// "Local FragmentActivity ... State:" 段里，不是独立段落
	for _, section := range SplitSections(task) {
		switch {
		case strings.Contains(section, "iew Hierarchy"):
			ExtractViewIDs(section, info.ViewIDHex)
		case strings.Contains(section, "ocal Activity"):
			// Local Activity 段没有需要的信息
		case strings.Contains(section, "ctive Fragments"):
			fragments, err := ExtractFragments(section)
			if err != nil {
				return nil, err
			}
			info.Fragments = append(info.Fragments, fragments...)
		}
	}

	return info, nil
}

// SelectResumedTask 返回第一个包含 mResumed=true 的 TASK 块
func SelectResumedTask(raw string) (string, bool) {
	raw = normalizeNewlines(raw)
	for _, block := range strings.Split(raw, taskMarker) {
		if strings.Contains(block, resumedMarker) {
			return block, true
		}
	}
	return "", false
}

// ExtractActivity 从 "ACTIVITY com.x/.Main 3a5e1 pid=1234" 行取出 com.x/.Main
func ExtractActivity(task string) string {
	line := reActivityLine.FindString(task)
	if line == "" {
		return ""
	}
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// SplitSections 按 4 空格缩进的标题拆分 task 块，去掉末尾的空段
func SplitSections(task string) []string {
	sections := reSection.Split(normalizeNewlines(task), -1)
	return dropTrailingEmpty(sections)
}

// ExtractViewIDs 解析 View Hierarchy 段
// 行格式: <ClassName>{<hash> <flags> <flags> <l,t-r,b> <handle> <pkg:id/name>}
func ExtractViewIDs(section string, into map[string]string) {
	for _, line := range strings.Split(section, "\n") {
		open := strings.IndexByte(line, '{')
		closing := strings.LastIndexByte(line, '}')
		if open < 0 || closing <= open {
			continue
		}

		tokens := dropTrailingEmpty(strings.Split(line[open+1:closing], " "))
		if len(tokens) != 6 {
			continue
		}
		idx := strings.Index(tokens[5], "id/")
		if idx < 0 {
			continue
		}
		into[tokens[5][idx:]] = tokens[4]
	}
}

// ExtractFragments 解析 Active Fragments 段
func ExtractFragments(section string) ([]FragmentInfo, error) {
	fragments := []FragmentInfo{}

	for _, chunk := range reFragmentEntry.Split(normalizeNewlines(section), -1) {
		if strings.TrimSpace(chunk) == "" || !strings.Contains(chunk, fragmentIDKey) {
			continue
		}

		fragment, err := parseFragment(chunk)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, fragment)
	}

	return fragments, nil
}

// parseFragment 解析单个 fragment 块，遇到 Child FragmentManager 即停止，
// 之后的字段属于子 fragment
func parseFragment(chunk string) (FragmentInfo, error) {
	fragment := FragmentInfo{Name: fragmentName(chunk)}

	chunk = strings.ReplaceAll(chunk, childManager, childManagerID)
	for _, raw := range strings.Split(chunk, " ") {
		if strings.Contains(raw, childManagerID) {
			break
		}

		token := strings.NewReplacer("\n", "", " ", "").Replace(raw)
		if err := applyToken(&fragment, token); err != nil {
			return FragmentInfo{}, err
		}
	}

	return fragment, nil
}

func applyToken(f *FragmentInfo, token string) error {
	var err error
	if v, ok := strings.CutPrefix(token, "mFragmentId="); ok {
		f.FragmentID = v
	} else if v, ok := strings.CutPrefix(token, "mContainerId="); ok {
		f.ContainerID = v
	} else if v, ok := strings.CutPrefix(token, "mTag="); ok {
		f.Tag = v
	} else if v, ok := strings.CutPrefix(token, "mState="); ok {
		f.State, err = atoi(f.Name, "mState", v)
	} else if v, ok := strings.CutPrefix(token, "mIndex="); ok {
		f.Index, err = atoi(f.Name, "mIndex", v)
	} else if v, ok := strings.CutPrefix(token, "mWho="); ok {
		f.Who = v
	} else if v, ok := strings.CutPrefix(token, "mBackStackNesting="); ok {
		f.BackStackNesting, err = atoi(f.Name, "mBackStackNesting", v)
	} else if v, ok := strings.CutPrefix(token, "mAdded="); ok {
		f.Added = v == "true"
	} else if v, ok := strings.CutPrefix(token, "mRemoving="); ok {
		f.Removing = v == "true"
	} else if v, ok := strings.CutPrefix(token, "mFromLayout="); ok {
		f.FromLayout = v == "true"
	} else if v, ok := strings.CutPrefix(token, "mInLayout="); ok {
		f.InLayout = v == "true"
	} else if v, ok := strings.CutPrefix(token, "mHidden="); ok {
		f.Hidden = v == "true"
	} else if v, ok := strings.CutPrefix(token, "mDetached="); ok {
		f.Detached = v == "true"
	}
	return err
}

func atoi(fragment, field, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &FieldError{Fragment: fragment, Field: field, Token: value, Err: err}
	}
	return n, nil
}

// fragmentName " DialogFragment{1a2b #1 dlg}" -> "DialogFragment"
func fragmentName(chunk string) string {
	trimmed := strings.TrimSpace(chunk)
	if brace := strings.IndexByte(trimmed, '{'); brace >= 0 {
		return strings.TrimSpace(trimmed[:brace])
	}
	if fields := strings.Fields(trimmed); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func dropTrailingEmpty(parts []string) []string {
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
