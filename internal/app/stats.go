package app

import (
	"bytes"
	"fmt"
	"time"

	"github.com/wcharczuk/go-chart/v2"
)

// ==========================================
// СТАТИСТИКА
// ==========================================

func buildStatsText() string {
	s := dataManager.Statistics()
	return fmt.Sprintf("📊 <b>Bot statistics</b>\n\n"+
		"👥 Users: <b>%d</b> (day: %d, week: %d)\n"+
		"📦 Files processed: <b>%d</b> (%s)\n\n"+
		"⏳ Pending: %d\n"+
		"⚙️ Processing: %d\n"+
		"✅ Completed: %d\n"+
		"❌ Failed: %d",
		s.TotalUsers, s.ActiveDay, s.ActiveWeek,
		s.TotalFiles, formatBytes(uint64(s.TotalSize)),
		s.PendingQueue, s.ProcessingQueue, s.CompletedFiles, s.FailedFiles)
}

// generateActivityChart рисует график выполненных задач за неделю.
func generateActivityChart() ([]byte, error) {
	perDay := dataManager.CompletedPerDay(7)

	var dates []time.Time
	var values []float64
	for i := 6; i >= 0; i-- {
		d := time.Now().AddDate(0, 0, -i)
		dates = append(dates, d)
		values = append(values, float64(perDay[d.Format("2006-01-02")]))
	}

	graph := chart.Chart{
		Background: chart.Style{Padding: chart.Box{Top: 20, Left: 20, Right: 20, Bottom: 20}},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Файлы",
				XValues: dates,
				YValues: values,
				Style:   chart.Style{StrokeColor: chart.ColorBlue, StrokeWidth: 5.0, DotColor: chart.ColorWhite, DotWidth: 4.0},
			},
		},
		XAxis:  chart.XAxis{Name: "Дни", ValueFormatter: chart.TimeValueFormatterWithFormat("02 Jan")},
		YAxis:  chart.YAxis{Name: "Обработано файлов", ValueFormatter: func(v interface{}) string { return fmt.Sprintf("%.0f", v.(float64)) }},
		Height: 400,
		Width:  800,
	}

	buffer := bytes.NewBuffer([]byte{})
	err := graph.Render(chart.PNG, buffer)
	return buffer.Bytes(), err
}
