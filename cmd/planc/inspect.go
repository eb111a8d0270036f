package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sbl8/planrt/core"
	"github.com/sbl8/planrt/model"
	"github.com/sbl8/planrt/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2CD7C7"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#20B9B4")).Width(18)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#16858E")).
			Padding(0, 1)
)

func inspectFile(path string, mmap bool) (string, error) {
	loader, err := model.Open(path, mmap)
	if err != nil {
		return "", err
	}
	defer loader.Close()

	p, err := runtime.LoadProgram(loader, runtime.WithVerification(model.VerifyChecksum))
	if err != nil {
		return "", err
	}
	defer p.Close()
	return describe(path, p)
}

func describe(title string, p *runtime.Program) (string, error) {
	names, err := p.MethodNames()
	if err != nil {
		return "", err
	}
	blocks := []string{titleStyle.Render(title)}
	for _, name := range names {
		meta, err := p.MethodMeta(name)
		if err != nil {
			return "", err
		}
		blocks = append(blocks, boxStyle.Render(describeMethod(meta)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...), nil
}

func describeMethod(meta *runtime.MethodMeta) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("method " + meta.Name()))
	row := func(label, value string) {
		b.WriteString("\n" + labelStyle.Render(label) + value)
	}

	for i := 0; i < meta.NumInputs(); i++ {
		row(fmt.Sprintf("input %d", i), slot(meta.InputTag, meta.InputTensorMeta, i))
	}
	for i := 0; i < meta.NumOutputs(); i++ {
		row(fmt.Sprintf("output %d", i), slot(meta.OutputTag, meta.OutputTensorMeta, i))
	}
	row("instructions", strings.Join(meta.Operators(), " → "))
	row("delegates", fmt.Sprint(meta.NumDelegates()))
	for id := 0; id < meta.NumPlannedBuffers(); id++ {
		size, _ := meta.PlannedBufferSize(id)
		row(fmt.Sprintf("planned %d", id), fmt.Sprintf("%d bytes", size))
	}
	row("method allocator", fmt.Sprintf("%d bytes", meta.MethodAllocatorBytes()))
	return b.String()
}

func slot(tagOf func(int) (core.Tag, error), infoOf func(int) (runtime.TensorInfo, error), i int) string {
	tag, err := tagOf(i)
	if err != nil {
		return mutedStyle.Render(err.Error())
	}
	if tag != core.TagTensor {
		return tag.String()
	}
	info, err := infoOf(i)
	if err != nil {
		return mutedStyle.Render(err.Error())
	}
	s := fmt.Sprintf("%s%v (%d bytes)", info.DType, info.Shape, info.NBytes)
	if info.Dynamic {
		s += mutedStyle.Render(" dynamic")
	}
	return s
}
