package dumpsys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDump(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

// exampleDump 最小的完整示例
func exampleDump() string {
	return strings.Join([]string{
		"TASK com.x id=7 userId=0",
		"  ACTIVITY com.x/.Main abcdef12 pid=123",
		"    Local Activity 11aa State:",
		"      mResumed=true mStopped=false",
		"    View Hierarchy:",
		"      DecorView@1f[Main]",
		"        0 android.widget.Button{a1b2c3d4 V.E...... ...... 0,0-100,50 #7f0a0001 id/submit}",
		"    Active Fragments:",
		"      #0: DialogFragment{...} mFragmentId=#1 mTag=dlg mState=3 mAdded=true",
		"",
	}, "\n")
}

// TestParse_Example 端到端示例
func TestParse_Example(t *testing.T) {
	info, err := Parse(exampleDump())
	require.NoError(t, err)

	assert.Equal(t, "com.x/.Main", info.Activity)
	assert.Equal(t, map[string]string{"id/submit": "#7f0a0001"}, info.ViewIDHex)
	require.Len(t, info.Fragments, 1)
	assert.Equal(t, FragmentInfo{
		Name:       "DialogFragment",
		FragmentID: "#1",
		Tag:        "dlg",
		State:      3,
		Added:      true,
	}, info.Fragments[0])
}

// TestParse_RecordedDump 真机 dump：选择 resumed task，忽略子 FragmentManager
func TestParse_RecordedDump(t *testing.T) {
	info, err := Parse(loadDump(t, "top_resumed_fragments.txt"))
	require.NoError(t, err)

	assert.Equal(t, "com.example.shop/.ui.MainActivity", info.Activity)
	assert.Equal(t, map[string]string{
		"id/action_mode_bar_stub": "#1020176",
		"id/content":              "#1020002",
		"id/content_frame":        "#7f0a0042",
		"id/btn_checkout":         "#7f0a0101",
		"id/title":                "#7f0a0102",
	}, info.ViewIDHex)
	assert.NotContains(t, info.ViewIDHex, "id/launcher")
	assert.NotContains(t, info.ViewIDHex, "id/should_not_appear")

	require.Len(t, info.Fragments, 2)

	home := info.Fragments[0]
	assert.Equal(t, "HomeFragment", home.Name)
	assert.Equal(t, "#7f0a0042", home.FragmentID)
	assert.Equal(t, "#7f0a0042", home.ContainerID)
	assert.Equal(t, "null", home.Tag)
	assert.Equal(t, 5, home.State)
	assert.Equal(t, 0, home.Index)
	assert.Equal(t, "android:fragment:0", home.Who)
	assert.Equal(t, 0, home.BackStackNesting)
	// 子 fragment 的 mAdded=false / mRemoving=true / mHidden=true 不能覆盖父 fragment
	assert.True(t, home.Added)
	assert.False(t, home.Removing)
	assert.False(t, home.Hidden)
	assert.NotEqual(t, "banner", home.Tag)

	glide := info.Fragments[1]
	assert.Equal(t, "SupportRequestManagerFragment", glide.Name)
	assert.Equal(t, "#0", glide.FragmentID)
	assert.Equal(t, "com.bumptech.glide.manager", glide.Tag)
	assert.Equal(t, 1, glide.Index)
	assert.True(t, glide.Added)
}

// TestParse_FragmentsNestedInFragmentActivity AndroidX 的 Active Fragments 嵌在 Local FragmentActivity 段中
func TestParse_FragmentsNestedInFragmentActivity(t *testing.T) {
	raw := strings.Join([]string{
		"TASK com.x id=7 userId=0",
		"  ACTIVITY com.x/.Main abcdef12 pid=123",
		"    Local FragmentActivity 3b7 State:",
		"      mCreated=true mResumed=true mStopped=false",
		"      Active Fragments in 7a8:",
		"      #0: HomeFragment{4c1 #0 id=0x7f0a0042}",
		"        mFragmentId=#7f0a0042 mContainerId=#7f0a0042 mTag=home",
		"        mState=7 mIndex=0 mAdded=true",
		"    View Hierarchy:",
		"      DecorView@1f[Main]",
		"        0 android.widget.Button{a1b2c3d4 V.E...... ...... 0,0-100,50 #7f0a0001 id/submit}",
		"",
	}, "\n")

	info, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "com.x/.Main", info.Activity)
	assert.Equal(t, map[string]string{"id/submit": "#7f0a0001"}, info.ViewIDHex)
	require.Len(t, info.Fragments, 1)
	assert.Equal(t, FragmentInfo{
		Name:        "HomeFragment",
		FragmentID:  "#7f0a0042",
		ContainerID: "#7f0a0042",
		Tag:         "home",
		State:       7,
		Added:       true,
	}, info.Fragments[0])
}

// TestParse_MultipleFragmentSectionsAppend 多个 Active Fragments 段按出现顺序合并
func TestParse_MultipleFragmentSectionsAppend(t *testing.T) {
	raw := strings.Join([]string{
		"TASK com.x id=7 userId=0",
		"  ACTIVITY com.x/.Main abcdef12 pid=123",
		"    Local Activity 11aa State:",
		"      mResumed=true",
		"    Active Fragments in 1a:",
		"      #0: AFragment{1} mFragmentId=#1 mState=3",
		"    Active Fragments in 2b:",
		"      #0: BFragment{2} mFragmentId=#2 mState=4",
		"",
	}, "\n")

	info, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, info.Fragments, 2)
	assert.Equal(t, "AFragment", info.Fragments[0].Name)
	assert.Equal(t, "BFragment", info.Fragments[1].Name)
	assert.Equal(t, 4, info.Fragments[1].State)
}

// TestParse_NoResumedTask 没有 resumed task 时返回空结果
func TestParse_NoResumedTask(t *testing.T) {
	for name, raw := range map[string]string{
		"launcher only": loadDump(t, "no_resumed.txt"),
		"empty":         "",
		"garbage":       "error: no devices/emulators found\n",
	} {
		t.Run(name, func(t *testing.T) {
			info, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, NewTopActivityInfo(), info)
			assert.True(t, info.IsEmpty())
		})
	}
}

// TestParse_CRLF Windows 换行
func TestParse_CRLF(t *testing.T) {
	info, err := Parse(loadDump(t, "crlf.txt"))
	require.NoError(t, err)
	assert.Equal(t, "com.x/.Main", info.Activity)
	assert.Equal(t, map[string]string{"id/submit": "#7f0a0001"}, info.ViewIDHex)
}

// TestParse_FirstResumedTaskWins 多个 resumed task 只取第一个
func TestParse_FirstResumedTaskWins(t *testing.T) {
	raw := "TASK a id=1\n  ACTIVITY com.a/.A 1f pid=1\n      mResumed=true\n" +
		"TASK b id=2\n  ACTIVITY com.b/.B 2f pid=2\n      mResumed=true\n"
	info, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "com.a/.A", info.Activity)
}

// TestParse_InvalidNumber mState 不是整数时整个解析失败
func TestParse_InvalidNumber(t *testing.T) {
	raw := strings.Replace(exampleDump(), "mState=3", "mState=abc", 1)

	info, err := Parse(raw)
	assert.Nil(t, info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidNumber))

	var fieldErr *FieldError
	require.True(t, errors.As(err, &fieldErr))
	assert.Equal(t, "DialogFragment", fieldErr.Fragment)
	assert.Equal(t, "mState", fieldErr.Field)
	assert.Equal(t, "abc", fieldErr.Token)
}

// TestParse_InvalidNumberInNestedChildIgnored 子 FragmentManager 之后的字段不参与解析，也不会报错
func TestParse_InvalidNumberInNestedChildIgnored(t *testing.T) {
	raw := strings.Join([]string{
		"TASK com.x id=7",
		"  ACTIVITY com.x/.Main abcdef12 pid=123",
		"      mResumed=true",
		"    Active Fragments in 1f:",
		"      #0: Parent{1 #0 id=0x1}",
		"        mFragmentId=#1 mState=4 mAdded=true",
		"        Child FragmentManager{2 in Parent{1}}:",
		"          mState=broken mAdded=false",
	}, "\n")

	info, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, info.Fragments, 1)
	assert.Equal(t, 4, info.Fragments[0].State)
	assert.True(t, info.Fragments[0].Added)
}

// TestSelectResumedTask 阶段一
func TestSelectResumedTask(t *testing.T) {
	task, ok := SelectResumedTask("header\nTASK a\n mResumed=false\nTASK b\n mResumed=true\n")
	assert.True(t, ok)
	assert.Equal(t, "b\n mResumed=true\n", task)

	_, ok = SelectResumedTask("TASK a\n mResumed=false\n")
	assert.False(t, ok)
}

// TestExtractActivity 阶段二
func TestExtractActivity(t *testing.T) {
	tests := []struct {
		name string
		task string
		want string
	}{
		{"standard", "  ACTIVITY com.x/.Main abcdef12 pid=123\n", "com.x/.Main"},
		{"first match wins", "ACTIVITY com.a/.A 1f pid=1\nACTIVITY com.b/.B 2f pid=2\n", "com.a/.A"},
		{"no pid", "  ACTIVITY com.x/.Main abcdef12 (not running)\n", ""},
		{"no hex token", "  ACTIVITY com.x/.Main pid=123\n", ""},
		{"missing", "nothing here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractActivity(tt.task))
		})
	}
}

// TestSplitSections 阶段三：标题首字母被拆分吃掉，末尾空段被丢弃
func TestSplitSections(t *testing.T) {
	sections := SplitSections("head\n    View Hierarchy:\n      a\n    Active Fragments:\n      b\n    X")
	require.Len(t, sections, 3)
	assert.Equal(t, "head", sections[0])
	assert.True(t, strings.HasPrefix(sections[1], "iew Hierarchy:"))
	assert.True(t, strings.HasPrefix(sections[2], "ctive Fragments:"))
}

// TestExtractViewIDs 阶段 4a
func TestExtractViewIDs(t *testing.T) {
	tests := []struct {
		name string
		line string
		want map[string]string
	}{
		{
			name: "shape matches",
			line: "0 android.widget.Button{a1b2c3d4 V.E...... ...... 0,0-100,50 #7f0a0001 id/submit}",
			want: map[string]string{"id/submit": "#7f0a0001"},
		},
		{
			name: "package prefix dropped",
			line: "android.widget.TextView{1 V.ED..... ........ 0,0-1,1 #7f0a0102 com.example:id/title}",
			want: map[string]string{"id/title": "#7f0a0102"},
		},
		{
			name: "five tokens",
			line: "android.widget.LinearLayout{6c7d8e9 V.E...... ........ 0,0-1080,1794 #1}",
			want: map[string]string{},
		},
		{
			name: "seven tokens",
			line: "X{a b c d e id/x extra}",
			want: map[string]string{},
		},
		{
			name: "sixth token without id",
			line: "X{a b c d e name}",
			want: map[string]string{},
		},
		{
			name: "no braces",
			line: "DecorView@2b3c4d5[MainActivity]",
			want: map[string]string{},
		},
		{
			name: "closing before opening",
			line: "} a b c d e id/x {",
			want: map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]string{}
			ExtractViewIDs("iew Hierarchy:\n"+tt.line, got)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestExtractViewIDs_DuplicateKeyOverwrites 重复 id 后者覆盖前者
func TestExtractViewIDs_DuplicateKeyOverwrites(t *testing.T) {
	got := map[string]string{}
	ExtractViewIDs("X{a b c d #1 id/dup}\nY{a b c d #2 id/dup}", got)
	assert.Equal(t, map[string]string{"id/dup": "#2"}, got)
}

// TestExtractFragments 阶段 4b
func TestExtractFragments(t *testing.T) {
	section := strings.Join([]string{
		"ctive Fragments in 1f:",
		"      #0: NoIdFragment{1}",
		"        mTag=orphan mState=1",
		"      #1: com.example.ListFragment{2 #1 id=0x7f0a001}",
		"        mFragmentId=0x7f0a001 mContainerId=0x7f0a002 mTag=list",
		"        mState=2 mIndex=2 mWho=android:fragment:1 mBackStackNesting=1",
		"        mAdded=true mRemoving=true mFromLayout=true mInLayout=true",
		"        mHidden=true mDetached=true",
	}, "\n")

	fragments, err := ExtractFragments(section)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, FragmentInfo{
		Name:             "com.example.ListFragment",
		FragmentID:       "0x7f0a001",
		ContainerID:      "0x7f0a002",
		Tag:              "list",
		Who:              "android:fragment:1",
		Index:            2,
		State:            2,
		BackStackNesting: 1,
		Added:            true,
		Removing:         true,
		FromLayout:       true,
		InLayout:         true,
		Hidden:           true,
		Detached:         true,
	}, fragments[0])
}

// TestExtractFragments_NumericFields mIndex / mBackStackNesting 同样严格
func TestExtractFragments_NumericFields(t *testing.T) {
	for _, field := range []string{"mIndex", "mBackStackNesting"} {
		t.Run(field, func(t *testing.T) {
			section := "ctive Fragments:\n      #0: F{1} mFragmentId=#1 " + field + "=x1"
			_, err := ExtractFragments(section)
			var fieldErr *FieldError
			require.True(t, errors.As(err, &fieldErr))
			assert.Equal(t, field, fieldErr.Field)
		})
	}
}

// TestExtractFragments_NonBooleanFlag 非 true 的布尔值视为 false
func TestExtractFragments_NonBooleanFlag(t *testing.T) {
	fragments, err := ExtractFragments("ctive Fragments:\n      #0: F{1} mFragmentId=#1 mAdded=TRUE mHidden=yes")
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.False(t, fragments[0].Added)
	assert.False(t, fragments[0].Hidden)
}
