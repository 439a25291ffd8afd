package shell

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SQLiteMagic "SQLite format 3" 文件头前 4 字节经 od -tx 输出后的样子
const SQLiteMagic = "694c5153"

// CommandSet 某个 SDK 版本起使用的命令模板
// 模板参数统一用 %[1]s / %[2]s 引用
type CommandSet struct {
	MinSDK       int
	TopActivity  string
	PidLookups   []string // 依次尝试，直到有一个成功
	LsFile       string
	LsDir        string
	CheckSQLite  string
	Uninstall    string
	ClearData    string
	ForceStop    string
	FindApkDir   string
	CatFile      string
	RemoveFile   string
	MakeDir      string
	CopyFile     string // %[1]s=src %[2]s=dst %[3]s=mode
	WriteLine    string // %[1]s=content %[2]s=file
	CopyOverFile string // cat src > dst
	ChangeMode   string
}

// 只含这些字符的参数不需要引号
var reSafeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote 单引号转义，结果可以安全地作为一个 shell 词
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteArg 与 Quote 相同，但只含安全字符的参数原样返回
func QuoteArg(s string) string {
	if reSafeArg.MatchString(s) {
		return s
	}
	return Quote(s)
}

// Format 填充模板，每个参数先经过 QuoteArg
func Format(template string, args ...string) string {
	quoted := make([]any, len(args))
	for i, arg := range args {
		quoted[i] = QuoteArg(arg)
	}
	return fmt.Sprintf(template, quoted...)
}

var baseline = CommandSet{
	MinSDK:      0,
	TopActivity: "dumpsys activity top",
	PidLookups: []string{
		`ps | grep %[1]s | grep -v %[1]s: | grep -v grep | awk '{print $2}'`,
		`top -n 1 |grep %[1]s |grep -v grep|grep -v %[1]s:`,
	},
	LsFile:       "ls -l %[1]s",
	LsDir:        "ls %[1]s",
	CheckSQLite:  "od -An -tx %[1]s  |grep '" + SQLiteMagic + "'",
	Uninstall:    "pm uninstall %[1]s",
	ClearData:    "pm clear %[1]s",
	ForceStop:    "am force-stop %[1]s",
	FindApkDir:   "ls /data/app/|grep %[1]s",
	CatFile:      "cat %[1]s",
	RemoveFile:   "rm -rf %[1]s",
	MakeDir:      "mkdir -p %[1]s",
	CopyFile:     "cp -R %[1]s %[2]s && chmod %[3]s %[2]s",
	WriteLine:    "echo %[1]s >> %[2]s",
	CopyOverFile: "cat %[1]s  > %[2]s",
	ChangeMode:   "chmod %[1]s %[2]s",
}

// commandSets 按 MinSDK 升序
var commandSets = buildCommandSets()

func buildCommandSets() []CommandSet {
	// Android 8.0 起 toybox ps 支持 -ef，top 需要 -b 才能非交互输出
	oreo := baseline
	oreo.MinSDK = 26
	oreo.PidLookups = []string{
		`ps -ef | grep %[1]s | grep -v %[1]s:| grep -v grep | awk '{print $2}'`,
		`top -b -n 1 |grep %[1]s |grep -v grep|grep -v %[1]s:`,
		`top -n 1 |grep %[1]s |grep -v grep|grep -v %[1]s:`,
	}

	// Android 11 起 /data/app 下多了一层随机目录
	r := oreo
	r.MinSDK = 30
	r.FindApkDir = "ls -d /data/app/*/%[1]s-*"

	sets := []CommandSet{baseline, oreo, r}
	sort.Slice(sets, func(i, j int) bool { return sets[i].MinSDK < sets[j].MinSDK })
	return sets
}

// ForSDK 返回适用于该 SDK 版本的命令集；sdk<=0 表示未知，使用最保守的命令
func ForSDK(sdk int) CommandSet {
	selected := commandSets[0]
	for _, set := range commandSets {
		if set.MinSDK <= sdk {
			selected = set
		}
	}
	return selected
}
